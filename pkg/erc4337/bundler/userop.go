package bundler

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// UserOperation is the JSON-RPC wire form of a UserOperation: quantities and byte
// strings are 0x prefixed hex.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// NewUserOperation converts op to its wire form. Empty byte strings are sent as "0x".
func NewUserOperation(op *userop.UserOperation) UserOperation {
	return UserOperation{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             nonNil(op.InitCode),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNil(op.PaymasterAndData),
		Signature:            nonNil(op.Signature),
	}
}

// UserOp converts the wire form back into a UserOperation.
func (u UserOperation) UserOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               u.Sender,
		Nonce:                u.Nonce.ToInt(),
		InitCode:             u.InitCode,
		CallData:             u.CallData,
		CallGasLimit:         u.CallGasLimit.ToInt(),
		VerificationGasLimit: u.VerificationGasLimit.ToInt(),
		PreVerificationGas:   u.PreVerificationGas.ToInt(),
		MaxFeePerGas:         u.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: u.MaxPriorityFeePerGas.ToInt(),
		PaymasterAndData:     u.PaymasterAndData,
		Signature:            u.Signature,
	}
}

func nonNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
