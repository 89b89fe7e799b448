package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sethvargo/go-retry"
)

// Backend is the subset of node RPC the deployer needs.
// *ethclient.Client and the simulated backend's client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClient is a thin adapter over a node. Every call goes to the node;
// nothing is cached between calls.
type ChainClient struct {
	backend        Backend
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
	closer         func()
}

// ChainClientConfig contains configuration for the ChainClient.
type ChainClientConfig struct {
	// ReceiptTimeout bounds AwaitReceipt (default: 5m)
	ReceiptTimeout time.Duration
	// PollInterval between receipt queries (default: 2s)
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewChainClient wraps an existing backend.
func NewChainClient(backend Backend, cfg ChainClientConfig) *ChainClient {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainClient{
		backend:        backend,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, cfg ChainClientConfig) (*ChainClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, newError(KindConfig, "dial", fmt.Errorf("connect to %s: %w", rpcURL, err))
	}
	c := NewChainClient(client, cfg)
	c.closer = client.Close
	return c, nil
}

// Close releases the underlying connection if this client owns it.
func (c *ChainClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain ID reported by the node.
func (c *ChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, newError(KindBroadcast, "get chain id", err)
	}
	return id, nil
}

// Nonce returns the account's transaction count including pending
// transactions, which is the next nonce to use.
func (c *ChainClient) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, newError(KindBroadcast, "get nonce", err)
	}
	return nonce, nil
}

// GasPrice returns the node's current gas price suggestion.
func (c *ChainClient) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, newError(KindBroadcast, "get gas price", err)
	}
	return price, nil
}

// Broadcast submits the raw signed bytes and returns the transaction hash.
// The backend re-encodes the decoded transaction for eth_sendRawTransaction,
// which yields the same bytes.
func (c *ChainClient) Broadcast(ctx context.Context, signed *SignedTransaction) (common.Hash, error) {
	if signed == nil || len(signed.Raw) == 0 {
		return common.Hash{}, newError(KindBroadcast, "send transaction", errors.New("nil transaction"))
	}
	decoded, err := DecodeSigned(signed.Raw)
	if err != nil {
		return common.Hash{}, newError(KindBroadcast, "send transaction", err)
	}
	if signed.Hash != (common.Hash{}) && decoded.Hash != signed.Hash {
		return common.Hash{}, newError(KindBroadcast, "send transaction",
			fmt.Errorf("raw transaction hash %s does not match %s", decoded.Hash.Hex(), signed.Hash.Hex()))
	}
	if err := c.backend.SendTransaction(ctx, decoded.Tx); err != nil {
		return common.Hash{}, newError(KindBroadcast, "send transaction", err)
	}
	return decoded.Hash, nil
}

// AwaitReceipt blocks until the transaction is mined, the receipt timeout
// elapses or ctx is done. A reverted transaction, or one that created no
// contract, is a confirmation failure.
func (c *ChainClient) AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	var receipt *types.Receipt
	err := retry.Do(ctx, retry.NewConstant(c.pollInterval), func(ctx context.Context) error {
		r, err := c.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				c.logger.Debug("receipt query failed, retrying",
					slog.String("tx_hash", txHash.Hex()),
					slog.String("error", err.Error()),
				)
			}
			return retry.RetryableError(err)
		}
		if r == nil {
			return retry.RetryableError(ethereum.NotFound)
		}
		receipt = r
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, newError(KindConfirmation, "wait for receipt",
			fmt.Errorf("transaction %s not mined: %w", txHash.Hex(), err))
	}
	return checkReceipt(receipt)
}

func checkReceipt(receipt *types.Receipt) (*types.Receipt, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, newError(KindConfirmation, "check receipt",
			fmt.Errorf("transaction %s reverted in block %v", receipt.TxHash.Hex(), receipt.BlockNumber))
	}
	if receipt.ContractAddress == (common.Address{}) {
		return receipt, newError(KindConfirmation, "check receipt",
			fmt.Errorf("transaction %s created no contract", receipt.TxHash.Hex()))
	}
	return receipt, nil
}
