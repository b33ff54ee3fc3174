package cmd

import (
	"context"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/fee"
)

type paymasterReader interface {
	VerifyingSigner(opts *bind.CallOpts) (common.Address, error)
	GetDeposit(opts *bind.CallOpts) (*big.Int, error)
}

type entryPointLister interface {
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
}

// checkBundler reports whether the bundler serves the configured EntryPoint.
func checkBundler(ctx context.Context, w io.Writer, b entryPointLister, entryPoint common.Address) (bool, error) {
	supported, err := b.SupportedEntryPoints(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get supported entry points: %w", err)
	}

	fmt.Fprintf(w, "EntryPoint:         %s\n", entryPoint.Hex())
	if !lo.Contains(supported, entryPoint) {
		fmt.Fprintf(w, "Bundler does NOT support this EntryPoint, it serves: %v\n",
			lo.Map(supported, func(a common.Address, _ int) string { return a.Hex() }))
		return false, nil
	}
	fmt.Fprintln(w, "Bundler supports this EntryPoint")
	return true, nil
}

// checkPaymaster compares the on-chain verifying signer with the configured key and
// warns about an empty deposit.
func checkPaymaster(ctx context.Context, w io.Writer, pm paymasterReader, cfg *config.SmartWalletConfig) (bool, error) {
	opts := &bind.CallOpts{Context: ctx}
	onChainSigner, err := pm.VerifyingSigner(opts)
	if err != nil {
		return false, fmt.Errorf("failed to get verifying signer: %w", err)
	}
	deposit, err := pm.GetDeposit(opts)
	if err != nil {
		return false, fmt.Errorf("failed to get deposit: %w", err)
	}

	configured := signer.AddressOf(cfg.PaymasterSignerKey)
	fmt.Fprintf(w, "Paymaster Address:  %s\n", cfg.PaymasterAddress.Hex())
	fmt.Fprintf(w, "Verifying Signer:   %s\n", onChainSigner.Hex())
	fmt.Fprintf(w, "Configured Signer:  %s\n", configured.Hex())
	fmt.Fprintf(w, "Deposit:            %s ETH\n", fee.FormatEther(deposit))

	ok := true
	if configured != onChainSigner {
		fmt.Fprintln(w, "Configured paymaster signer key DOES NOT MATCH the verifying signer")
		ok = false
	}
	if deposit.Sign() == 0 {
		fmt.Fprintln(w, "Paymaster has ZERO deposit, sponsored operations will fail")
		ok = false
	}
	return ok, nil
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check bundler and paymaster setup",
	Long: `Check that the bundler serves the configured EntryPoint and, when a paymaster is
configured, that its verifying signer matches paymaster_signer_key and it holds a deposit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		client, err := bundler.NewClient(cfg.BundlerURL, log)
		if err != nil {
			return err
		}
		defer client.Close()

		healthy, err := checkBundler(ctx, out, client, cfg.EntrypointAddress)
		if err != nil {
			return err
		}

		if cfg.CanSponsor() {
			eth, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", cfg.EthRpcUrl, err)
			}
			defer eth.Close()

			fmt.Fprintln(out)
			pmOK, err := checkPaymaster(ctx, out, aa.NewPaymaster(cfg.PaymasterAddress, eth), cfg)
			if err != nil {
				return err
			}
			healthy = healthy && pmOK
		}

		if !healthy {
			return fmt.Errorf("setup check failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
