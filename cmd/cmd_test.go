package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/testutil"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/version"
)

type staticBalances map[common.Address]*big.Int

func (s staticBalances) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if b, ok := s[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func TestWalletAccountsSkipsUnsetAndDuplicates(t *testing.T) {
	cfg := testutil.GetTestSmartWalletConfig("http://localhost:4337/rpc")
	cfg.BundlerAddress = testutil.OwnerAddress

	accounts := walletAccounts(cfg, testutil.SmartWalletAddress, common.Address{})

	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"Bundler", "SmartAccount", "Paymaster"}, names)
}

func TestPrintBalances(t *testing.T) {
	balances := staticBalances{
		testutil.OwnerAddress:       big.NewInt(1_500_000_000_000_000_000),
		testutil.SmartWalletAddress: big.NewInt(21_000_000_000_000),
	}

	var out bytes.Buffer
	err := printBalances(context.Background(), &out, balances, []namedAddress{
		{"Owner", testutil.OwnerAddress},
		{"SmartAccount", testutil.SmartWalletAddress},
		{"Target", testutil.TargetAddress},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Owner(" + testutil.OwnerAddress.Hex() + "): 1.5 ETH",
		"SmartAccount(" + testutil.SmartWalletAddress.Hex() + "): 0.000021 ETH",
		"Target(" + testutil.TargetAddress.Hex() + "): 0 ETH",
	}, lines)
}

func TestSendFlagsRequest(t *testing.T) {
	req, err := sendFlags{target: testutil.TargetAddress.Hex(), value: "1.0", data: "0x"}.request()
	require.NoError(t, err)
	assert.Equal(t, testutil.TargetAddress, req.Target)
	assert.Equal(t, "1000000000000000000", req.Value.String())
	assert.Empty(t, req.Data)
	assert.False(t, req.Sponsored)

	req, err = sendFlags{target: testutil.TargetAddress.Hex(), value: "0", data: "0xdeadbeef", sponsored: true}.request()
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0xdeadbeef"), req.Data)
	assert.True(t, req.Sponsored)

	_, err = sendFlags{target: "not-an-address", value: "1", data: "0x"}.request()
	assert.Error(t, err)
	_, err = sendFlags{target: testutil.TargetAddress.Hex(), value: "abc", data: "0x"}.request()
	assert.Error(t, err)
	_, err = sendFlags{target: testutil.TargetAddress.Hex(), value: "1", data: "zz"}.request()
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	hash := common.HexToHash("0x01")

	var out bytes.Buffer
	printResult(&out, &preset.Result{UserOpHash: hash, Status: preset.StatusPending}, false)
	assert.Contains(t, out.String(), "UserOperation hash: "+hash.Hex())
	assert.Contains(t, out.String(), "Transaction not mined yet.")
	assert.NotContains(t, out.String(), "Tx Fee")

	out.Reset()
	txHash := common.HexToHash("0x7580ac508a2ac34cf6a4f4346fb6b4f09edaaa4f946f42ecdb2bfd2a633d43af")
	printResult(&out, &preset.Result{
		UserOpHash: hash,
		Status:     preset.StatusIncluded,
		Op:         &userop.UserOperation{Sender: testutil.SmartWalletAddress},
		Receipt: &bundler.UserOpReceipt{
			Success: true,
			Receipt: &bundler.Receipt{TransactionHash: txHash},
		},
		Fee: big.NewInt(21_000_000_000_000),
	}, true)
	assert.Contains(t, out.String(), "Transaction hash: "+txHash.Hex())
	assert.Contains(t, out.String(), "Tx Fee (ETH) 0.000021")
	assert.Contains(t, out.String(), "Sender")
}

func TestCheckBundler(t *testing.T) {
	fb := testutil.NewFakeBundler()
	defer fb.Close()
	fb.Handle("eth_supportedEntryPoints", func(params json.RawMessage) (any, *testutil.RPCError) {
		return []string{testutil.EntrypointAddress.Hex()}, nil
	})

	client, err := bundler.NewClient(fb.URL, nil)
	require.NoError(t, err)
	defer client.Close()

	var out bytes.Buffer
	ok, err := checkBundler(context.Background(), &out, client, testutil.EntrypointAddress)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checkBundler(context.Background(), &out, client, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "does NOT support")
}

type stubPaymaster struct {
	signer  common.Address
	deposit *big.Int
}

func (s stubPaymaster) VerifyingSigner(opts *bind.CallOpts) (common.Address, error) {
	return s.signer, nil
}

func (s stubPaymaster) GetDeposit(opts *bind.CallOpts) (*big.Int, error) {
	return s.deposit, nil
}

func TestCheckPaymaster(t *testing.T) {
	cfg := testutil.GetTestSmartWalletConfig("http://localhost:4337/rpc")

	tests := []struct {
		name     string
		pm       stubPaymaster
		healthy  bool
		contains string
	}{
		{"matching signer with deposit", stubPaymaster{testutil.PaymasterSignerAddress, big.NewInt(1)}, true, "Deposit:"},
		{"wrong signer", stubPaymaster{testutil.OwnerAddress, big.NewInt(1)}, false, "DOES NOT MATCH"},
		{"empty deposit", stubPaymaster{testutil.PaymasterSignerAddress, big.NewInt(0)}, false, "ZERO deposit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			ok, err := checkPaymaster(context.Background(), &out, tt.pm, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.healthy, ok)
			assert.Contains(t, out.String(), tt.contains)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), version.Get())
	assert.Contains(t, out.String(), userop.LayoutVersion)
}
