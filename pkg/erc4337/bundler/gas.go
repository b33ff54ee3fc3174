package bundler

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// GasEstimation is the result of eth_estimateUserOperationGas.
type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// Apply returns a copy of op with the estimated limits. An estimate field the bundler
// left out is an error, it is never replaced by a default.
func (g *GasEstimation) Apply(op *userop.UserOperation) (*userop.UserOperation, error) {
	if g.PreVerificationGas == nil || g.VerificationGasLimit == nil || g.CallGasLimit == nil {
		return nil, fmt.Errorf("incomplete gas estimation from bundler")
	}

	out := op.Copy()
	out.PreVerificationGas = new(big.Int).Set(g.PreVerificationGas)
	out.VerificationGasLimit = new(big.Int).Set(g.VerificationGasLimit)
	out.CallGasLimit = new(big.Int).Set(g.CallGasLimit)
	return out, nil
}

// quantity accepts ERC-4337 hex quantities as well as the plain JSON numbers and decimal
// strings some bundlers return for gas values.
type quantity struct {
	*big.Int
}

func (q *quantity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// bare JSON number
		s = string(data)
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return fmt.Errorf("invalid quantity %q", s)
		}
		q.Int = v
		return nil
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid quantity %q", s)
	}
	q.Int = v
	return nil
}

type gasEstimationResult struct {
	PreVerificationGas   quantity `json:"preVerificationGas"`
	VerificationGasLimit quantity `json:"verificationGasLimit"`
	CallGasLimit         quantity `json:"callGasLimit"`
}
