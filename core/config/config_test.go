package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
smart_wallet:
  eth_rpc_url: http://127.0.0.1:8545
  bundler_url: http://127.0.0.1:4337/rpc
  factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
  paymaster_address: "0xb19b36b1456E65E3A6D514D3F715f204BD59f431"
  bundler_address: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
  chain_id: 31337
  owner_private_key: "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
  paymaster_signer_key: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
  auto_bundle: true
  sponsorship:
    valid_for: 30m
  receipt:
    timeout: 2m
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvOwnerPrivateKey, EnvPaymasterSignerKey, EnvBundlerURL, EnvEthRpcURL} {
		t.Setenv(k, "")
	}
}

func TestNewSmartWalletConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := NewSmartWalletConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8545", cfg.EthRpcUrl)
	assert.Equal(t, common.HexToAddress(DefaultEntrypointAddressHex), cfg.EntrypointAddress)
	assert.Equal(t, common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454"), cfg.FactoryAddress)
	assert.Equal(t, big.NewInt(31337), cfg.ChainID)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), cfg.OwnerAddress())
	assert.True(t, cfg.CanSponsor())
	assert.True(t, cfg.AutoBundle)
	assert.False(t, cfg.EstimateGas)

	assert.Equal(t, 30*time.Minute, cfg.Sponsorship.ValidFor)
	assert.Equal(t, uint64(0), cfg.Sponsorship.ValidAfter)
	assert.Equal(t, 2*time.Minute, cfg.Receipt.Timeout)
	assert.Equal(t, DefaultReceiptInitialInterval, cfg.Receipt.InitialInterval)
	assert.Equal(t, DefaultReceiptMaxInterval, cfg.Receipt.MaxInterval)
	assert.Equal(t, "development", string(cfg.Environment))
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBundlerURL, "http://bundler.internal:4337")
	t.Setenv(EnvOwnerPrivateKey, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	cfg, err := NewSmartWalletConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://bundler.internal:4337", cfg.BundlerURL)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), cfg.OwnerAddress())
}

func TestConfigFromEnvironmentOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvEthRpcURL, "http://127.0.0.1:8545")
	t.Setenv(EnvBundlerURL, "http://127.0.0.1:4337/rpc")
	t.Setenv(EnvOwnerPrivateKey, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	// factory address is only configurable in the file
	_, err := NewSmartWalletConfig("")
	assert.ErrorContains(t, err, "FactoryAddress")
}

func TestConfigValidation(t *testing.T) {
	base := func() SmartWalletConfigRaw {
		return SmartWalletConfigRaw{
			EthRpcUrl:       "http://127.0.0.1:8545",
			BundlerURL:      "http://127.0.0.1:4337/rpc",
			FactoryAddress:  "0x9406Cc6185a346906296840746125a0E44976454",
			OwnerPrivateKey: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		}
	}

	cfg, err := base().Build()
	require.NoError(t, err)
	assert.False(t, cfg.CanSponsor())
	assert.Nil(t, cfg.ChainID)

	tests := []struct {
		name   string
		mutate func(raw *SmartWalletConfigRaw)
	}{
		{"bad rpc url", func(raw *SmartWalletConfigRaw) { raw.EthRpcUrl = "not a url" }},
		{"missing bundler", func(raw *SmartWalletConfigRaw) { raw.BundlerURL = "" }},
		{"bad factory", func(raw *SmartWalletConfigRaw) { raw.FactoryAddress = "0x1234" }},
		{"paymaster without signer", func(raw *SmartWalletConfigRaw) {
			raw.PaymasterAddress = "0xb19b36b1456E65E3A6D514D3F715f204BD59f431"
		}},
		{"bad owner key", func(raw *SmartWalletConfigRaw) { raw.OwnerPrivateKey = "0xzz" }},
		{"bad environment", func(raw *SmartWalletConfigRaw) { raw.Environment = "staging" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := base()
			tt.mutate(&raw)
			_, err := raw.Build()
			assert.Error(t, err)
		})
	}
}
