package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/k0kubun/pp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/fee"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
)

type sendFlags struct {
	target      string
	value       string
	data        string
	sponsored   bool
	validFor    time.Duration
	timeout     time.Duration
	dump        bool
	metricsFile string
}

var (
	sendOpts sendFlags

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send a UserOperation from the smart account",
		Long: `Build, sign and submit a UserOperation calling --target with --value ETH and
optional --data, then wait for its receipt and print the fee.

Without --sponsored the smart account pays for gas and is funded from the owner EOA
when its balance is below --value. With --sponsored the configured paymaster signs a
sponsorship valid for --valid-for.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, sendOpts)
		},
	}
)

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.target, "target", "", "call target address")
	f.StringVar(&sendOpts.value, "value", "0", "ETH to send with the call")
	f.StringVar(&sendOpts.data, "data", "0x", "hex call data")
	f.BoolVar(&sendOpts.sponsored, "sponsored", false, "have the paymaster pay for gas")
	f.DurationVar(&sendOpts.validFor, "valid-for", 0, "sponsorship validity, defaults to the config value")
	f.DurationVar(&sendOpts.timeout, "timeout", 0, "receipt wait timeout, defaults to the config value")
	f.BoolVar(&sendOpts.dump, "dump", false, "print the submitted UserOperation")
	f.StringVar(&sendOpts.metricsFile, "metrics-file", "", "write pipeline metrics to this file in text format")
	_ = sendCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(sendCmd)
}

func (f sendFlags) request() (preset.Request, error) {
	if !common.IsHexAddress(f.target) {
		return preset.Request{}, fmt.Errorf("invalid target address %q", f.target)
	}
	value, err := fee.ParseEther(f.value)
	if err != nil {
		return preset.Request{}, err
	}
	data, err := hexutil.Decode(f.data)
	if err != nil {
		return preset.Request{}, fmt.Errorf("invalid call data: %w", err)
	}

	return preset.Request{
		Call: preset.Call{
			Target: common.HexToAddress(f.target),
			Value:  value,
			Data:   data,
		},
		Sponsored: f.sponsored,
	}, nil
}

func runSend(cmd *cobra.Command, f sendFlags) error {
	req, err := f.request()
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if f.sponsored && !cfg.CanSponsor() {
		return errors.New("--sponsored needs paymaster_address and paymaster_signer_key")
	}
	if f.timeout > 0 {
		adjusted := *cfg
		adjusted.Receipt.Timeout = f.timeout
		cfg = &adjusted
	}
	if f.validFor > 0 {
		req.Window = &paymaster.Window{ValidAfter: cfg.Sponsorship.ValidAfter, ValidFor: f.validFor}
	}

	registry := prometheus.NewRegistry()
	ctx := cmd.Context()
	pipeline, clients, err := preset.NewFromConfig(ctx, cfg, log, metrics.NewPipelineMetrics(registry))
	if err != nil {
		return err
	}
	defer clients.Close()
	if f.metricsFile != "" {
		defer func() {
			if err := prometheus.WriteToTextfile(f.metricsFile, registry); err != nil {
				log.Error("failed to write metrics", "file", f.metricsFile, "error", err)
			}
		}()
	}

	out := cmd.OutOrStdout()
	sender, err := pipeline.Sender(ctx)
	if err != nil {
		return err
	}
	accounts := walletAccounts(cfg, sender, req.Target)

	fmt.Fprintf(out, "Smart Account address: %s\n", sender.Hex())
	if err := printBalances(ctx, out, clients.Eth, accounts); err != nil {
		return err
	}

	result, sendErr := pipeline.Send(ctx, req)
	if result != nil {
		printResult(out, result, f.dump)
	}
	if sendErr != nil {
		return sendErr
	}

	return printBalances(ctx, out, clients.Eth, accounts)
}

func printResult(w io.Writer, result *preset.Result, dump bool) {
	if dump {
		printer := pp.New()
		printer.SetOutput(w)
		printer.SetColoringEnabled(false)
		printer.Println(result.Op)
		if desc, err := aa.DescribeCallData(result.Op.CallData); err == nil {
			fmt.Fprintf(w, "Call: %s\n", desc)
		}
	}

	fmt.Fprintf(w, "UserOperation hash: %s\n", result.UserOpHash.Hex())
	switch result.Status {
	case preset.StatusIncluded:
		fmt.Fprintf(w, "Transaction hash: %s\n", result.Receipt.Receipt.TransactionHash.Hex())
		if !result.Receipt.Success {
			fmt.Fprintf(w, "Call reverted: %s\n", result.Receipt.Reason)
		}
		fmt.Fprintf(w, "Tx Fee (ETH) %s\n", fee.FormatEther(result.Fee))
	case preset.StatusPending:
		fmt.Fprintln(w, "Transaction not mined yet.")
	case preset.StatusRejected:
		fmt.Fprintln(w, "UserOperation rejected by the bundler.")
	}
}
