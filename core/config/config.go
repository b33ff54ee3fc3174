package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
)

const (
	DefaultEntrypointAddressHex = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

	DefaultSponsorshipValidFor    = time.Hour
	DefaultReceiptTimeout         = 60 * time.Second
	DefaultReceiptInitialInterval = 1 * time.Second
	DefaultReceiptMaxInterval     = 5 * time.Second
)

// SponsorshipConfig is the default paymaster validity window. ValidAfter is a unix
// timestamp, 0 meaning immediately.
type SponsorshipConfig struct {
	ValidFor   time.Duration
	ValidAfter uint64
}

// ReceiptConfig bounds receipt polling.
type ReceiptConfig struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// SmartWalletConfig holds everything the user operation pipeline needs. It is built once
// and passed to each component at construction; nothing reads it from package state.
type SmartWalletConfig struct {
	EthRpcUrl  string
	EthWsUrl   string
	BundlerURL string

	EntrypointAddress common.Address
	FactoryAddress    common.Address
	PaymasterAddress  common.Address
	// BundlerAddress is the bundler's beneficiary EOA, only used for reporting balances.
	BundlerAddress common.Address

	// ChainID is nil when the chain id should be read from the node.
	ChainID     *big.Int
	AccountSalt *big.Int

	OwnerKey           *ecdsa.PrivateKey
	PaymasterSignerKey *ecdsa.PrivateKey

	Sponsorship SponsorshipConfig
	Receipt     ReceiptConfig

	// EstimateGas replaces locally computed gas limits with eth_estimateUserOperationGas.
	EstimateGas bool
	// AutoBundle calls debug_bundler_sendBundleNow after each submission.
	AutoBundle bool

	Environment sdklogging.LogLevel
}

// OwnerAddress is the EOA controlling the smart account.
func (c *SmartWalletConfig) OwnerAddress() common.Address {
	return signer.AddressOf(c.OwnerKey)
}

// CanSponsor reports whether a paymaster and its signer are configured.
func (c *SmartWalletConfig) CanSponsor() bool {
	return c.PaymasterAddress != (common.Address{}) && c.PaymasterSignerKey != nil
}

// These are read from the config file, under smart_wallet
type SmartWalletConfigRaw struct {
	EthRpcUrl          string              `yaml:"eth_rpc_url" validate:"required,url"`
	EthWsUrl           string              `yaml:"eth_ws_url" validate:"omitempty,url"`
	BundlerURL         string              `yaml:"bundler_url" validate:"required,url"`
	EntrypointAddress  string              `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress     string              `yaml:"factory_address" validate:"required,eth_addr"`
	PaymasterAddress   string              `yaml:"paymaster_address" validate:"omitempty,eth_addr"`
	BundlerAddress     string              `yaml:"bundler_address" validate:"omitempty,eth_addr"`
	ChainID            int64               `yaml:"chain_id" validate:"gte=0"`
	AccountSalt        int64               `yaml:"account_salt" validate:"gte=0"`
	OwnerPrivateKey    string              `yaml:"owner_private_key" validate:"required"`
	PaymasterSignerKey string              `yaml:"paymaster_signer_key" validate:"required_with=PaymasterAddress"`
	EstimateGas        bool                `yaml:"estimate_gas"`
	AutoBundle         bool                `yaml:"auto_bundle"`
	Environment        sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=production development"`

	Sponsorship struct {
		ValidFor   time.Duration `yaml:"valid_for" validate:"gte=0"`
		ValidAfter uint64        `yaml:"valid_after"`
	} `yaml:"sponsorship"`

	Receipt struct {
		Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
		InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
		MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
	} `yaml:"receipt"`
}

type fileRaw struct {
	SmartWallet SmartWalletConfigRaw `yaml:"smart_wallet"`
}

// Environment variables that take precedence over the config file.
const (
	EnvOwnerPrivateKey    = "OWNER_PRIVATE_KEY"
	EnvPaymasterSignerKey = "PAYMASTER_SIGNER_KEY"
	EnvBundlerURL         = "BUNDLER_URL"
	EnvEthRpcURL          = "ETH_RPC_URL"
)

// NewSmartWalletConfig reads path (may be empty), applies .env and environment
// overrides, validates the result and parses keys and addresses.
func NewSmartWalletConfig(path string) (*SmartWalletConfig, error) {
	var raw fileRaw
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	ensureEnvLoaded()
	applyEnv(&raw.SmartWallet)

	return raw.SmartWallet.Build()
}

func applyEnv(raw *SmartWalletConfigRaw) {
	raw.OwnerPrivateKey = getenv(EnvOwnerPrivateKey, raw.OwnerPrivateKey)
	raw.PaymasterSignerKey = getenv(EnvPaymasterSignerKey, raw.PaymasterSignerKey)
	raw.BundlerURL = getenv(EnvBundlerURL, raw.BundlerURL)
	raw.EthRpcUrl = getenv(EnvEthRpcURL, raw.EthRpcUrl)
}

// Build validates raw and converts it, filling defaults for unset values.
func (raw SmartWalletConfigRaw) Build() (*SmartWalletConfig, error) {
	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid smart wallet config: %w", err)
	}

	ownerKey, err := signer.ParsePrivateKey(raw.OwnerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot parse owner private key: %w", err)
	}

	var paymasterKey *ecdsa.PrivateKey
	if raw.PaymasterSignerKey != "" {
		paymasterKey, err = signer.ParsePrivateKey(raw.PaymasterSignerKey)
		if err != nil {
			return nil, fmt.Errorf("cannot parse paymaster signer key: %w", err)
		}
	}

	entrypoint := common.HexToAddress(DefaultEntrypointAddressHex)
	if raw.EntrypointAddress != "" {
		entrypoint = common.HexToAddress(raw.EntrypointAddress)
	}

	var chainID *big.Int
	if raw.ChainID > 0 {
		chainID = big.NewInt(raw.ChainID)
	}

	cfg := &SmartWalletConfig{
		EthRpcUrl:          raw.EthRpcUrl,
		EthWsUrl:           raw.EthWsUrl,
		BundlerURL:         raw.BundlerURL,
		EntrypointAddress:  entrypoint,
		FactoryAddress:     common.HexToAddress(raw.FactoryAddress),
		PaymasterAddress:   common.HexToAddress(raw.PaymasterAddress),
		BundlerAddress:     common.HexToAddress(raw.BundlerAddress),
		ChainID:            chainID,
		AccountSalt:        big.NewInt(raw.AccountSalt),
		OwnerKey:           ownerKey,
		PaymasterSignerKey: paymasterKey,
		Sponsorship: SponsorshipConfig{
			ValidFor:   orDefault(raw.Sponsorship.ValidFor, DefaultSponsorshipValidFor),
			ValidAfter: raw.Sponsorship.ValidAfter,
		},
		Receipt: ReceiptConfig{
			Timeout:         orDefault(raw.Receipt.Timeout, DefaultReceiptTimeout),
			InitialInterval: orDefault(raw.Receipt.InitialInterval, DefaultReceiptInitialInterval),
			MaxInterval:     orDefault(raw.Receipt.MaxInterval, DefaultReceiptMaxInterval),
		},
		EstimateGas: raw.EstimateGas,
		AutoBundle:  raw.AutoBundle,
		Environment: raw.Environment,
	}
	if cfg.Environment == "" {
		cfg.Environment = sdklogging.Development
	}

	return cfg, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
