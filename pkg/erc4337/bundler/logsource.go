package bundler

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// example tx send to entrypoint: https://sepolia.basescan.org/tx/0x7580ac508a2ac34cf6a4f4346fb6b4f09edaaa4f946f42ecdb2bfd2a633d43af#eventlog
var UserOperationEventTopic = common.HexToHash("0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f")

const defaultLookbackBlocks = 20

var userOperationEventData = func() abi.Arguments {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	boolTy, _ := abi.NewType("bool", "", nil)
	return abi.Arguments{
		{Name: "nonce", Type: uint256Ty},
		{Name: "success", Type: boolTy},
		{Name: "actualGasCost", Type: uint256Ty},
		{Name: "actualGasUsed", Type: uint256Ty},
	}
}()

// ChainReader is the subset of ethclient.Client LogReceiptSource needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LogReceiptSource resolves receipts from the EntryPoint's UserOperationEvent logs on the
// node, for bundlers that do not serve eth_getUserOperationReceipt reliably.
type LogReceiptSource struct {
	client     ChainReader
	entryPoint common.Address
	lookback   uint64
}

// NewLogReceiptSource searches the last lookback blocks, 20 when lookback is 0 (about 5
// minutes on most chains).
func NewLogReceiptSource(client ChainReader, entryPoint common.Address, lookback uint64) *LogReceiptSource {
	if lookback == 0 {
		lookback = defaultLookbackBlocks
	}
	return &LogReceiptSource{client: client, entryPoint: entryPoint, lookback: lookback}
}

func (s *LogReceiptSource) UserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	currentBlock, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current block: %w", err)
	}

	fromBlock := uint64(0)
	if currentBlock > s.lookback {
		fromBlock = currentBlock - s.lookback
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{s.entryPoint},
		Topics:    [][]common.Hash{{UserOperationEventTopic}, {hash}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	// there is only one event per userOpHash
	vLog := logs[0]
	out, err := decodeUserOperationEvent(vLog)
	if err != nil {
		return nil, err
	}

	receipt, err := s.client.TransactionReceipt(ctx, vLog.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for tx %s: %w", vLog.TxHash.Hex(), err)
	}
	out.Receipt = ReceiptFromTransaction(receipt)

	return out, nil
}

func decodeUserOperationEvent(vLog types.Log) (*UserOpReceipt, error) {
	if len(vLog.Topics) != 4 {
		return nil, fmt.Errorf("unexpected UserOperationEvent topics: %d", len(vLog.Topics))
	}

	values, err := userOperationEventData.Unpack(vLog.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode UserOperationEvent: %w", err)
	}

	nonce, _ := values[0].(*big.Int)
	success, _ := values[1].(bool)
	gasCost, _ := values[2].(*big.Int)
	gasUsed, _ := values[3].(*big.Int)

	return &UserOpReceipt{
		UserOpHash:    vLog.Topics[1],
		Sender:        common.BytesToAddress(vLog.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(vLog.Topics[3].Bytes()),
		Nonce:         (*hexutil.Big)(nonce),
		Success:       success,
		ActualGasCost: (*hexutil.Big)(gasCost),
		ActualGasUsed: (*hexutil.Big)(gasUsed),
	}, nil
}
