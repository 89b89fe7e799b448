package deployer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseKey decodes a hex-encoded private key, with or without 0x prefix.
func ParseKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if !strings.HasPrefix(hexKey, "0x") && !strings.HasPrefix(hexKey, "0X") {
		hexKey = "0x" + hexKey
	}
	key, err := hexutil.Decode(hexKey)
	if err != nil {
		return nil, newError(KindSigning, "parse key", err)
	}
	return key, nil
}

func toECDSA(key []byte) (*ecdsa.PrivateKey, error) {
	if len(key) == 0 {
		return nil, newError(KindSigning, "load key", errors.New("empty signing key"))
	}
	privateKey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, newError(KindSigning, "load key", err)
	}
	return privateKey, nil
}

// AddressFromKey returns the account address controlled by key.
func AddressFromKey(key []byte) (common.Address, error) {
	privateKey, err := toECDSA(key)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(privateKey.PublicKey), nil
}

// Sign signs tx for chainID and returns its canonical binary encoding.
// Signatures are deterministic (RFC 6979) and EIP-155 replay protected.
func Sign(tx *UnsignedTransaction, key []byte, chainID *big.Int) (*SignedTransaction, error) {
	if tx == nil {
		return nil, newError(KindSigning, "sign transaction", errors.New("nil transaction"))
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, newError(KindSigning, "sign transaction", fmt.Errorf("invalid chain id %v", chainID))
	}
	privateKey, err := toECDSA(key)
	if err != nil {
		return nil, err
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	legacy := types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.GasLimit,
		To:       tx.To,
		Value:    value,
		Data:     tx.Data,
	})

	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(legacy, signer, privateKey)
	if err != nil {
		return nil, newError(KindSigning, "sign transaction", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, newError(KindSigning, "encode transaction", err)
	}

	return &SignedTransaction{
		Raw:  raw,
		Hash: signedTx.Hash(),
		Tx:   signedTx,
	}, nil
}

// DecodeSigned parses a raw signed transaction.
func DecodeSigned(raw []byte) (*SignedTransaction, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, newError(KindSigning, "decode transaction", err)
	}
	return &SignedTransaction{
		Raw:  common.CopyBytes(raw),
		Hash: tx.Hash(),
		Tx:   &tx,
	}, nil
}
