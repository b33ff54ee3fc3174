package aa

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABIs of the EntryPoint v0.6 contracts, only what the pipeline calls.
const (
	EntryPointABI = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"paymaster","type":"address","indexed":true},{"name":"nonce","type":"uint256","indexed":false},{"name":"success","type":"bool","indexed":false},{"name":"actualGasCost","type":"uint256","indexed":false},{"name":"actualGasUsed","type":"uint256","indexed":false}]}
]`

	SimpleFactoryABI = `[
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]}
]`

	SimpleAccountABI = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

	PaymasterABI = `[
	{"type":"function","name":"getSenderNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"verifyingSigner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getDeposit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`
)

var (
	entryPointABI    = mustParseABI("EntryPoint", EntryPointABI)
	simpleFactoryABI = mustParseABI("SimpleFactory", SimpleFactoryABI)
	simpleAccountABI = mustParseABI("SimpleAccount", SimpleAccountABI)
	paymasterABI     = mustParseABI("Paymaster", PaymasterABI)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("invalid %s ABI: %w", name, err))
	}
	return parsed
}

// EntryPoint is a read-only binding of the EntryPoint contract.
type EntryPoint struct {
	Address  common.Address
	contract *bind.BoundContract
}

func NewEntryPoint(address common.Address, caller bind.ContractCaller) *EntryPoint {
	return &EntryPoint{
		Address:  address,
		contract: bind.NewBoundContract(address, entryPointABI, caller, nil, nil),
	}
}

// GetNonce returns the next nonce of sender in the given key space.
func (e *EntryPoint) GetNonce(opts *bind.CallOpts, sender common.Address, key *big.Int) (*big.Int, error) {
	return callBig(e.contract, opts, "getNonce", sender, key)
}

// BalanceOf returns the deposit account holds in the EntryPoint.
func (e *EntryPoint) BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	return callBig(e.contract, opts, "balanceOf", account)
}

// SimpleFactory is a binding of the SimpleAccountFactory contract.
type SimpleFactory struct {
	Address  common.Address
	contract *bind.BoundContract
}

func NewSimpleFactory(address common.Address, caller bind.ContractCaller) *SimpleFactory {
	return &SimpleFactory{
		Address:  address,
		contract: bind.NewBoundContract(address, simpleFactoryABI, caller, nil, nil),
	}
}

// GetAddress returns the counterfactual account address of owner with salt.
func (f *SimpleFactory) GetAddress(opts *bind.CallOpts, owner common.Address, salt *big.Int) (common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(opts, &out, "getAddress", owner, salt); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// Paymaster is a read-only binding of the VerifyingPaymaster contract.
type Paymaster struct {
	Address  common.Address
	contract *bind.BoundContract
}

func NewPaymaster(address common.Address, caller bind.ContractCaller) *Paymaster {
	return &Paymaster{
		Address:  address,
		contract: bind.NewBoundContract(address, paymasterABI, caller, nil, nil),
	}
}

// GetSenderNonce returns the paymaster's anti-replay counter for sender.
func (p *Paymaster) GetSenderNonce(opts *bind.CallOpts, sender common.Address) (*big.Int, error) {
	return callBig(p.contract, opts, "getSenderNonce", sender)
}

// GetDeposit returns the paymaster's EntryPoint deposit.
func (p *Paymaster) GetDeposit(opts *bind.CallOpts) (*big.Int, error) {
	return callBig(p.contract, opts, "getDeposit")
}

// VerifyingSigner returns the address whose attestations the paymaster accepts.
func (p *Paymaster) VerifyingSigner(opts *bind.CallOpts) (common.Address, error) {
	var out []interface{}
	if err := p.contract.Call(opts, &out, "verifyingSigner"); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func callBig(contract *bind.BoundContract, opts *bind.CallOpts, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(opts, &out, method, params...); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}
