package testutil

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userop/core/config"
)

const (
	// well known anvil/hardhat dev accounts, never funded outside of local chains
	ownerPrivateKey           = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	paymasterSignerPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

	paymasterAddress  = "0xB985af5f96EF2722DC99aEBA573520903B86505e"
	factoryAddress    = "0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7"
	entrypointAddress = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
)

var (
	OwnerAddress           = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	PaymasterSignerAddress = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	SmartWalletAddress     = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	TargetAddress          = common.HexToAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045")
	PaymasterAddress       = common.HexToAddress(paymasterAddress)
	FactoryAddress         = common.HexToAddress(factoryAddress)
	EntrypointAddress      = common.HexToAddress(entrypointAddress)

	ChainID = big.NewInt(31337)
)

func GetTestRPCURL() string {
	v := os.Getenv("RPC_URL")
	if v == "" {
		return "http://127.0.0.1:8545"
	}

	return v
}

func OwnerKey() *ecdsa.PrivateKey {
	return mustKey(ownerPrivateKey)
}

func PaymasterSignerKey() *ecdsa.PrivateKey {
	return mustKey(paymasterSignerPrivateKey)
}

func mustKey(hex string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		panic(err)
	}
	return key
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// GetTestSmartWalletConfig returns a config pointing at a local devnet and the given
// bundler url, typically a FakeBundler.
func GetTestSmartWalletConfig(bundlerURL string) *config.SmartWalletConfig {
	return &config.SmartWalletConfig{
		EthRpcUrl:          GetTestRPCURL(),
		BundlerURL:         bundlerURL,
		FactoryAddress:     FactoryAddress,
		EntrypointAddress:  EntrypointAddress,
		PaymasterAddress:   PaymasterAddress,
		ChainID:            new(big.Int).Set(ChainID),
		OwnerKey:           OwnerKey(),
		PaymasterSignerKey: PaymasterSignerKey(),
		Sponsorship: config.SponsorshipConfig{
			ValidFor: time.Hour,
		},
		Receipt: config.ReceiptConfig{
			Timeout:         time.Minute,
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Second,
		},
		Environment: "development",
	}
}
