package deployer

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	// Anvil account 0.
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddrHex = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	// Init code that copies a 10 byte runtime (returns 42) and ignores any
	// trailing constructor arguments.
	returnsFortyTwoHex = "0x600a600c600039600a6000f3602a60005260206000f3"

	// Init code that always reverts.
	revertingHex = "0x60006000fd"

	singleAddressABI = `[{"type":"constructor","inputs":[{"name":"bridge","type":"address"}],"stateMutability":"nonpayable"}]`

	wrapperABI = `[{"type":"constructor","inputs":[
		{"name":"bridge","type":"address"},
		{"name":"limit","type":"uint256"},
		{"name":"name","type":"string"}
	],"stateMutability":"nonpayable"}]`
)

var simulatedChainID = big.NewInt(1337)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)
	return key
}

func testAddr() common.Address {
	return common.HexToAddress(testAddrHex)
}

func deployableCode() []byte {
	return hexutil.MustDecode(returnsFortyTwoHex)
}

func revertingCode() []byte {
	return hexutil.MustDecode(revertingHex)
}

func mustABI(t *testing.T, def string) *abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(def))
	require.NoError(t, err)
	return &parsed
}

// MockBackend is a mock implementation of Backend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

// autoCommitClient mines a block after every accepted transaction so
// receipts are available on the next poll.
type autoCommitClient struct {
	simulated.Client
	backend *simulated.Backend
}

func (c *autoCommitClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.backend.Commit()
	return nil
}

// newSimulatedChain starts an in-memory chain with the test account funded.
func newSimulatedChain(t *testing.T, balance *big.Int) (*ChainClient, *simulated.Backend) {
	t.Helper()
	backend := simulated.NewBackend(types.GenesisAlloc{
		testAddr(): {Balance: balance},
	})
	t.Cleanup(func() { _ = backend.Close() })

	client := &autoCommitClient{Client: backend.Client(), backend: backend}
	return NewChainClient(client, ChainClientConfig{
		ReceiptTimeout: 10 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}), backend
}

func fundedBalance() *big.Int {
	return new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
}

// stageRecorder collects stage transitions in order.
type stageRecorder struct {
	events []stageEvent
}

type stageEvent struct {
	Step  string
	Stage Stage
}

func (r *stageRecorder) OnStage(step string, stage Stage) {
	r.events = append(r.events, stageEvent{Step: step, Stage: stage})
}

func (r *stageRecorder) stagesFor(step string) []Stage {
	var out []Stage
	for _, e := range r.events {
		if e.Step == step {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (r *stageRecorder) steps() []string {
	var out []string
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Step {
			out = append(out, e.Step)
		}
	}
	return out
}
