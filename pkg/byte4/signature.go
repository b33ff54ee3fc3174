// Package byte4 matches calldata to ABI methods by their 4-byte selector.
package byte4

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const selectorLength = 4

// Selector is the first four bytes of keccak256 of a canonical signature such as
// "execute(address,uint256,bytes)".
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:selectorLength]
}

// GetMethodFromCalldata returns the ABI method a selector or full calldata calls.
func GetMethodFromCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, error) {
	if len(calldata) < selectorLength {
		return nil, fmt.Errorf("invalid selector length: %d", len(calldata))
	}

	method, err := parsedABI.MethodById(calldata[:selectorLength])
	if err != nil {
		return nil, fmt.Errorf("no matching method found for selector: 0x%x", calldata[:selectorLength])
	}
	return method, nil
}

// Call is decoded calldata.
type Call struct {
	Method *abi.Method
	Args   []interface{}
}

// DecodeCalldata resolves the method and unpacks its arguments.
func DecodeCalldata(parsedABI abi.ABI, calldata []byte) (*Call, error) {
	method, err := GetMethodFromCalldata(parsedABI, calldata)
	if err != nil {
		return nil, err
	}

	args, err := method.Inputs.Unpack(calldata[selectorLength:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s arguments: %w", method.Name, err)
	}
	return &Call{Method: method, Args: args}, nil
}

// String renders the call as name(arg, ...), byte arguments in hex.
func (c *Call) String() string {
	parts := make([]string, len(c.Args))
	for i, arg := range c.Args {
		switch v := arg.(type) {
		case []byte:
			parts[i] = hexutil.Encode(v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return fmt.Sprintf("%s(%s)", c.Method.Name, strings.Join(parts, ", "))
}
