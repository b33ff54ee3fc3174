package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/fee"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
)

type namedAddress struct {
	Name    string
	Address common.Address
}

// walletAccounts lists the parties of a transfer, skipping unset addresses and
// duplicates.
func walletAccounts(cfg *config.SmartWalletConfig, sender, target common.Address) []namedAddress {
	accounts := []namedAddress{
		{"Bundler", cfg.BundlerAddress},
		{"Owner", cfg.OwnerAddress()},
		{"SmartAccount", sender},
		{"Paymaster", cfg.PaymasterAddress},
		{"Target", target},
	}
	accounts = lo.Filter(accounts, func(a namedAddress, _ int) bool {
		return a.Address != (common.Address{})
	})
	return lo.UniqBy(accounts, func(a namedAddress) common.Address {
		return a.Address
	})
}

func printBalances(ctx context.Context, w io.Writer, reader preset.BalanceReader, accounts []namedAddress) error {
	for _, a := range accounts {
		balance, err := reader.BalanceAt(ctx, a.Address, nil)
		if err != nil {
			return fmt.Errorf("failed to get balance of %s: %w", a.Name, err)
		}
		fmt.Fprintf(w, "%s(%s): %s ETH\n", a.Name, a.Address.Hex(), fee.FormatEther(balance))
	}
	return nil
}

var (
	balancesSender string
	balancesTarget string

	balancesCmd = &cobra.Command{
		Use:   "balances",
		Short: "Print balances of the wallet parties",
		Long: `Print the native balance of the bundler beneficiary, the owner EOA, the smart
account, the paymaster and an optional target.

The smart account is derived from the owner unless --sender is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eth, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", cfg.EthRpcUrl, err)
			}
			defer eth.Close()

			sender := common.HexToAddress(balancesSender)
			if balancesSender == "" {
				account := aa.NewAccount(eth, cfg.EntrypointAddress, cfg.FactoryAddress, cfg.AccountSalt)
				if sender, err = account.SenderAddress(ctx, cfg.OwnerAddress()); err != nil {
					return err
				}
			}

			return printBalances(ctx, cmd.OutOrStdout(), eth, walletAccounts(cfg, sender, common.HexToAddress(balancesTarget)))
		},
	}
)

func init() {
	balancesCmd.Flags().StringVar(&balancesSender, "sender", "", "smart account address")
	balancesCmd.Flags().StringVar(&balancesTarget, "target", "", "extra address to report")
	rootCmd.AddCommand(balancesCmd)
}
