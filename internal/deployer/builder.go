package deployer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BuildTransaction constructs an unsigned transaction envelope. A nil to
// builds a contract creation, which must carry data. The value is always zero.
func BuildTransaction(
	nonce uint64,
	gasPrice *big.Int,
	gasLimit uint64,
	ceiling uint64,
	to *common.Address,
	data []byte,
) (*UnsignedTransaction, error) {
	if gasLimit == 0 {
		return nil, newError(KindConfig, "build transaction", errors.New("gas limit must be positive"))
	}
	if gasLimit > ceiling {
		return nil, newError(KindConfig, "build transaction",
			fmt.Errorf("gas limit %d exceeds ceiling %d", gasLimit, ceiling))
	}
	if to == nil && len(data) == 0 {
		return nil, newError(KindConfig, "build transaction", errors.New("contract creation requires bytecode"))
	}
	if gasPrice == nil || gasPrice.Sign() < 0 {
		return nil, newError(KindConfig, "build transaction", errors.New("gas price must be non-negative"))
	}

	tx := &UnsignedTransaction{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(gasPrice),
		GasLimit: gasLimit,
		Value:    big.NewInt(0),
		Data:     common.CopyBytes(data),
	}
	if to != nil {
		addr := *to
		tx.To = &addr
	}
	return tx, nil
}
