package preset

import (
	"context"
	"fmt"
	"math/big"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// Clients are the connections behind a configured Pipeline.
type Clients struct {
	Eth     *ethclient.Client
	Bundler *bundler.Client
	ChainID *big.Int
	Account *aa.Account
	// Paymaster is nil when sponsorship is not configured.
	Paymaster *aa.Paymaster
}

func (c *Clients) Close() {
	if c.Bundler != nil {
		c.Bundler.Close()
	}
	if c.Eth != nil {
		c.Eth.Close()
	}
}

// NewFromConfig dials the node and the bundler and wires a Pipeline for cfg. The chain id
// is read from the node when cfg does not set one.
func NewFromConfig(ctx context.Context, cfg *config.SmartWalletConfig, log sdklogging.Logger, m metrics.MetricsGenerator) (*Pipeline, *Clients, error) {
	eth, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.EthRpcUrl, err)
	}
	clients := &Clients{Eth: eth}

	clients.ChainID = cfg.ChainID
	if clients.ChainID == nil {
		if clients.ChainID, err = eth.ChainID(ctx); err != nil {
			clients.Close()
			return nil, nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}

	if clients.Bundler, err = bundler.NewClient(cfg.BundlerURL, log); err != nil {
		clients.Close()
		return nil, nil, err
	}

	clock := clockwork.NewRealClock()
	clients.Account = aa.NewAccount(eth, cfg.EntrypointAddress, cfg.FactoryAddress, cfg.AccountSalt)
	oracle := eip1559.NewOracle(eth, eip1559.DefaultPolicy())
	hasher := userop.NewHasher(cfg.EntrypointAddress, clients.ChainID)

	receipts := bundler.Sources{
		clients.Bundler,
		bundler.NewLogReceiptSource(eth, cfg.EntrypointAddress, 0),
	}
	waiter := bundler.NewWaiter(receipts, bundler.WaitOptions{
		Timeout:         cfg.Receipt.Timeout,
		InitialInterval: cfg.Receipt.InitialInterval,
		MaxInterval:     cfg.Receipt.MaxInterval,
	}, clock, log)

	deps := Deps{
		Hasher:   hasher,
		Builder:  NewBuilder(clients.Account, oracle, DefaultGasLimits(), userop.DefaultGasOverheads),
		Owner:    userop.NewOwnerSigner(cfg.OwnerKey, hasher),
		Bundler:  clients.Bundler,
		Waiter:   waiter,
		Balances: eth,
		Funder:   NewEOAFunder(eth, cfg.OwnerKey, clients.ChainID, oracle, log),
		Clock:    clock,
		Metrics:  m,
		Logger:   log,
	}
	if cfg.CanSponsor() {
		clients.Paymaster = aa.NewPaymaster(cfg.PaymasterAddress, eth)
		deps.Sponsor = paymaster.NewAuthorizer(cfg.PaymasterAddress, cfg.PaymasterSignerKey, clients.ChainID, clients.Paymaster, clock, log)
	}

	pipeline, err := NewPipeline(deps, Options{
		Window: paymaster.Window{
			ValidAfter: cfg.Sponsorship.ValidAfter,
			ValidFor:   cfg.Sponsorship.ValidFor,
		},
		EstimateGas: cfg.EstimateGas,
		AutoBundle:  cfg.AutoBundle,
	})
	if err != nil {
		clients.Close()
		return nil, nil, err
	}
	return pipeline, clients, nil
}
