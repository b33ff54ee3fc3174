package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

// rootCmd represents the base command when called without any subcommands
var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "ap-userop",
		Short: "ERC-4337 UserOperation CLI",
		Long: `Build, sponsor, sign and submit ERC-4337 UserOperations from a SimpleAccount
smart wallet.

Settings are read from the config file (--config) under smart_wallet, then from .env
and the environment: OWNER_PRIVATE_KEY, PAYMASTER_SIGNER_KEY, BUNDLER_URL, ETH_RPC_URL.
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
}

func loadConfig() (*config.SmartWalletConfig, logger.Logger, error) {
	cfg, err := config.NewSmartWalletConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Environment)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
