// Package aa reads and encodes the SimpleAccount family of ERC-4337 contracts.
package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/pkg/byte4"
)

// DefaultEntrypointAddress is the canonical EntryPoint v0.6 deployment.
var DefaultEntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

// ChainClient is the node access Account needs; *ethclient.Client implements it.
type ChainClient interface {
	bind.ContractCaller
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
}

// Account derives and inspects the smart account owned by an EOA.
type Account struct {
	client     ChainClient
	entryPoint *EntryPoint
	factory    *SimpleFactory
	salt       *big.Int
}

// NewAccount binds the EntryPoint and factory. A nil salt means 0.
func NewAccount(client ChainClient, entryPoint, factory common.Address, salt *big.Int) *Account {
	if salt == nil {
		salt = big.NewInt(0)
	}
	return &Account{
		client:     client,
		entryPoint: NewEntryPoint(entryPoint, client),
		factory:    NewSimpleFactory(factory, client),
		salt:       new(big.Int).Set(salt),
	}
}

func (a *Account) EntryPoint() common.Address {
	return a.entryPoint.Address
}

// SenderAddress returns the smart account address of owner, deployed or not.
func (a *Account) SenderAddress(ctx context.Context, owner common.Address) (common.Address, error) {
	sender, err := a.factory.GetAddress(&bind.CallOpts{Context: ctx}, owner, a.salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get sender address for %s: %w", owner.Hex(), err)
	}
	return sender, nil
}

// IsDeployed reports whether sender has code.
func (a *Account) IsDeployed(ctx context.Context, sender common.Address) (bool, error) {
	code, err := a.client.CodeAt(ctx, sender, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code at %s: %w", sender.Hex(), err)
	}
	return len(code) > 0, nil
}

// InitCode returns the factory call deploying owner's account, or nil when sender is
// already deployed.
func (a *Account) InitCode(ctx context.Context, owner, sender common.Address) ([]byte, error) {
	deployed, err := a.IsDeployed(ctx, sender)
	if err != nil {
		return nil, err
	}
	if deployed {
		return nil, nil
	}
	return GetInitCode(a.factory.Address, owner, a.salt)
}

// Nonce returns the EntryPoint nonce of sender in key space 0.
func (a *Account) Nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	nonce, err := a.entryPoint.GetNonce(&bind.CallOpts{Context: ctx}, sender, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce for %s: %w", sender.Hex(), err)
	}
	return nonce, nil
}

// EstimateCallGas estimates the execution phase of callData as if the EntryPoint called
// sender directly. Only meaningful for deployed accounts.
func (a *Account) EstimateCallGas(ctx context.Context, sender common.Address, callData []byte) (*big.Int, error) {
	from := a.entryPoint.Address
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &sender,
		Data: callData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate call gas: %w", err)
	}
	return new(big.Int).SetUint64(gas), nil
}

// GetInitCode returns factory ‖ createAccount(owner, salt).
func GetInitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := simpleFactoryABI.Pack("createAccount", owner, salt)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, common.AddressLength+len(calldata))
	data = append(data, factory.Bytes()...)
	data = append(data, calldata...)
	return data, nil
}

// PackExecute generates calldata for UserOps
func PackExecute(targetAddress common.Address, ethValue *big.Int, calldata []byte) ([]byte, error) {
	if ethValue == nil {
		ethValue = big.NewInt(0)
	}
	if calldata == nil {
		calldata = []byte{}
	}
	return simpleAccountABI.Pack("execute", targetAddress, ethValue, calldata)
}

// PackExecuteBatch generates calldata running several calls in one operation.
func PackExecuteBatch(targets []common.Address, calldata [][]byte) ([]byte, error) {
	if len(targets) != len(calldata) {
		return nil, fmt.Errorf("executeBatch: %d targets but %d calls", len(targets), len(calldata))
	}
	return simpleAccountABI.Pack("executeBatch", targets, calldata)
}

// DescribeCallData renders SimpleAccount calldata as method(args...).
func DescribeCallData(callData []byte) (string, error) {
	call, err := byte4.DecodeCalldata(simpleAccountABI, callData)
	if err != nil {
		return "", err
	}
	return call.String(), nil
}

// DecodeExecute unpacks SimpleAccount.execute calldata.
func DecodeExecute(callData []byte) (common.Address, *big.Int, []byte, error) {
	call, err := byte4.DecodeCalldata(simpleAccountABI, callData)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	if call.Method.Name != "execute" {
		return common.Address{}, nil, nil, fmt.Errorf("calldata calls %s, not execute", call.Method.Name)
	}
	return call.Args[0].(common.Address), call.Args[1].(*big.Int), call.Args[2].([]byte), nil
}
