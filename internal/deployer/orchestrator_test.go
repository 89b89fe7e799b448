package deployer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	bridgeTop  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenLimit = big.NewInt(4_000_000)
)

func testNetwork(t *testing.T, chainID *big.Int) NetworkConfig {
	t.Helper()
	return NetworkConfig{
		ChainID:    chainID,
		SigningKey: testKey(t),
		GasLimit:   DefaultGasLimit,
	}
}

// fourStepPlan mirrors a bridge rollout: A and C take no arguments, B takes a
// fixed address and D takes two constants and a name.
func fourStepPlan(t *testing.T) []Step {
	return []Step{
		{Name: "A", Bytecode: deployableCode()},
		{
			Name:     "B",
			Bytecode: deployableCode(),
			ABI:      mustABI(t, singleAddressABI),
			Args:     []Arg{Literal(bridgeTop)},
		},
		{Name: "C", Bytecode: deployableCode()},
		{
			Name:     "D",
			Bytecode: deployableCode(),
			ABI:      mustABI(t, wrapperABI),
			Args:     []Arg{Literal(bridgeTop), Literal(tokenLimit), Literal("Top Wrapped Token")},
		},
	}
}

func TestOrchestratorRunSimulated(t *testing.T) {
	ctx := context.Background()
	chain, backend := newSimulatedChain(t, fundedBalance())
	recorder := &stageRecorder{}

	var encoderCalls int
	countingEncoder := func(contractABI *abi.ABI, args []any) ([]byte, error) {
		encoderCalls++
		return EncodeConstructorArgs(contractABI, args)
	}

	steps := fourStepPlan(t)
	o, err := NewOrchestrator(testNetwork(t, simulatedChainID), steps, chain, OrchestratorConfig{
		Observer: recorder,
		Encoder:  countingEncoder,
	})
	require.NoError(t, err)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Nil(t, report.Failed)
	require.Len(t, report.Results, 4)

	assert.Equal(t, testAddr(), report.From)
	assert.Equal(t, o.RunID(), report.RunID)

	seen := make(map[common.Address]bool)
	for i, res := range report.Results {
		assert.Equal(t, steps[i].Name, res.Step, "results should be in plan order")
		assert.Equal(t, uint64(i), res.Nonce, "nonces should increase by one")
		assert.Equal(t, crypto.CreateAddress(testAddr(), res.Nonce), res.Address)
		assert.False(t, seen[res.Address], "addresses should be distinct")
		seen[res.Address] = true
		assert.NotZero(t, res.GasUsed)
	}

	// Steps without arguments carry the bytecode verbatim.
	assert.Equal(t, 2, encoderCalls)
	assert.Equal(t, deployableCode(), report.Results[0].Data)
	assert.Equal(t, deployableCode(), report.Results[2].Data)

	// D's payload tail decodes back to its arguments.
	dData := report.Results[3].Data
	require.Greater(t, len(dData), len(deployableCode()))
	decoded, err := DecodeConstructorArgs(steps[3].ABI, dData[len(deployableCode()):])
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, bridgeTop, decoded[0])
	assert.Equal(t, 0, tokenLimit.Cmp(decoded[1].(*big.Int)))
	assert.Equal(t, "Top Wrapped Token", decoded[2])

	// The broadcast transaction carries exactly that payload.
	tx, _, err := backend.Client().TransactionByHash(ctx, report.Results[3].TxHash)
	require.NoError(t, err)
	assert.Equal(t, dData, tx.Data())

	code, err := backend.Client().CodeAt(ctx, report.Results[0].Address, nil)
	require.NoError(t, err)
	assert.Equal(t, deployableCode()[12:], code)

	assert.Equal(t, []string{"A", "B", "C", "D"}, recorder.steps())
	for _, name := range []string{"A", "B", "C", "D"} {
		assert.Equal(t,
			[]Stage{StagePending, StageBuilt, StageSigned, StageBroadcast, StageConfirmed},
			recorder.stagesFor(name))
	}
}

func TestOrchestratorResolvesPriorAddresses(t *testing.T) {
	ctx := context.Background()
	chain, _ := newSimulatedChain(t, fundedBalance())

	steps := []Step{
		{Name: "prover", Bytecode: deployableCode()},
		{Name: "limit", Bytecode: deployableCode()},
		{
			Name:     "wrapper",
			Bytecode: deployableCode(),
			ABI:      mustABI(t, wrapperABI),
			Args:     []Arg{AddressOf("prover"), Literal("1000"), Literal("wrapped")},
		},
	}
	o, err := NewOrchestrator(testNetwork(t, simulatedChainID), steps, chain, OrchestratorConfig{})
	require.NoError(t, err)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	prover, ok := report.Address("prover")
	require.True(t, ok)

	decoded, err := DecodeConstructorArgs(steps[2].ABI, report.Results[2].Data[len(deployableCode()):])
	require.NoError(t, err)
	assert.Equal(t, prover, decoded[0])
	assert.Equal(t, int64(1000), decoded[1].(*big.Int).Int64())
}

func TestOrchestratorRevertedDeployment(t *testing.T) {
	ctx := context.Background()
	chain, _ := newSimulatedChain(t, fundedBalance())
	recorder := &stageRecorder{}

	steps := []Step{
		{Name: "ok", Bytecode: deployableCode()},
		{Name: "broken", Bytecode: revertingCode(), GasLimit: 100_000},
		{Name: "never", Bytecode: deployableCode()},
	}
	o, err := NewOrchestrator(testNetwork(t, simulatedChainID), steps, chain, OrchestratorConfig{Observer: recorder})
	require.NoError(t, err)

	report, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmation))

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "broken", stepErr.Step)
	assert.Equal(t, StageBroadcast, stepErr.Stage)
	assert.Equal(t, KindConfirmation, stepErr.Kind)

	require.Len(t, report.Results, 1)
	assert.Equal(t, "ok", report.Results[0].Step)
	assert.Same(t, stepErr, report.Failed)
	assert.Empty(t, recorder.stagesFor("never"))
	assert.Equal(t, StageFailed, recorder.stagesFor("broken")[len(recorder.stagesFor("broken"))-1])
}

func TestOrchestratorBroadcastRejectedHalts(t *testing.T) {
	ctx := context.Background()
	contractA := crypto.CreateAddress(testAddr(), 0)

	backend := &MockBackend{}
	backend.On("ChainID", mock.Anything).Return(big.NewInt(31337), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1e9), nil)
	backend.On("PendingNonceAt", mock.Anything, testAddr()).Return(uint64(0), nil).Once()
	backend.On("PendingNonceAt", mock.Anything, testAddr()).Return(uint64(1), nil).Once()
	backend.On("SendTransaction", mock.Anything, mock.MatchedBy(func(tx *types.Transaction) bool {
		return tx.Nonce() == 0
	})).Return(nil).Once()
	backend.On("SendTransaction", mock.Anything, mock.MatchedBy(func(tx *types.Transaction) bool {
		return tx.Nonce() == 1
	})).Return(errors.New("insufficient funds for gas * price + value")).Once()
	backend.On("TransactionReceipt", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: contractA,
		GasUsed:         53_000,
		BlockNumber:     big.NewInt(1),
	}, nil).Once()

	recorder := &stageRecorder{}
	o, err := NewOrchestrator(testNetwork(t, big.NewInt(31337)), fourStepPlan(t), fastChainClient(backend), OrchestratorConfig{
		Observer: recorder,
	})
	require.NoError(t, err)

	report, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBroadcast))
	assert.Equal(t, KindBroadcast, KindOf(err))
	assert.Contains(t, err.Error(), "insufficient funds")

	require.NotNil(t, report.Failed)
	assert.Equal(t, "B", report.Failed.Step)
	assert.Equal(t, StageSigned, report.Failed.Stage)

	require.Len(t, report.Results, 1)
	assert.Equal(t, "A", report.Results[0].Step)
	assert.Equal(t, contractA, report.Results[0].Address)

	assert.Equal(t, []string{"A", "B"}, recorder.steps())
	assert.Empty(t, recorder.stagesFor("C"))
	assert.Empty(t, recorder.stagesFor("D"))

	backend.AssertNumberOfCalls(t, "SendTransaction", 2)
	backend.AssertNumberOfCalls(t, "PendingNonceAt", 2)
	backend.AssertExpectations(t)
}

func TestOrchestratorUsesStepGasLimit(t *testing.T) {
	var sent []*types.Transaction
	backend := &MockBackend{}
	backend.On("ChainID", mock.Anything).Return(big.NewInt(31337), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(7), nil)
	backend.On("PendingNonceAt", mock.Anything, testAddr()).Return(uint64(4), nil).Once()
	backend.On("PendingNonceAt", mock.Anything, testAddr()).Return(uint64(5), nil).Once()
	backend.On("SendTransaction", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = append(sent, args.Get(1).(*types.Transaction))
	}).Return(nil)
	backend.On("TransactionReceipt", mock.Anything, mock.Anything).Return(&types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: common.HexToAddress("0xc0ffee"),
		BlockNumber:     big.NewInt(2),
	}, nil)

	steps := []Step{
		{Name: "small", Bytecode: deployableCode(), GasLimit: 250_000},
		{Name: "default", Bytecode: deployableCode()},
	}
	o, err := NewOrchestrator(testNetwork(t, big.NewInt(31337)), steps, fastChainClient(backend), OrchestratorConfig{})
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 2)

	assert.Equal(t, uint64(250_000), sent[0].Gas())
	assert.Equal(t, uint64(DefaultGasLimit), sent[1].Gas())
	assert.Equal(t, uint64(4), sent[0].Nonce())
	assert.Equal(t, uint64(5), sent[1].Nonce())
	assert.Equal(t, int64(7), sent[0].GasPrice().Int64())
	assert.Equal(t, uint64(4), report.Results[0].Nonce)
	assert.Equal(t, uint64(2), report.Results[0].BlockNumber)
}

func TestOrchestratorChainIDMismatch(t *testing.T) {
	backend := &MockBackend{}
	backend.On("ChainID", mock.Anything).Return(big.NewInt(1), nil)

	recorder := &stageRecorder{}
	o, err := NewOrchestrator(testNetwork(t, big.NewInt(31337)), fourStepPlan(t), fastChainClient(backend), OrchestratorConfig{
		Observer: recorder,
	})
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Contains(t, err.Error(), "chain ID mismatch")
	assert.Empty(t, report.Results)
	assert.Empty(t, recorder.events)
	backend.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestOrchestratorPreBroadcastFailures(t *testing.T) {
	tests := []struct {
		name      string
		steps     func(t *testing.T) []Step
		setup     func(b *MockBackend)
		wantErr   error
		wantStage Stage
	}{
		{
			name: "gas price unavailable",
			steps: func(t *testing.T) []Step {
				return []Step{{Name: "A", Bytecode: deployableCode()}}
			},
			setup: func(b *MockBackend) {
				b.On("PendingNonceAt", mock.Anything, testAddr()).Return(uint64(0), nil)
				b.On("SuggestGasPrice", mock.Anything).Return(nil, errors.New("rpc timeout"))
			},
			wantErr:   ErrBroadcast,
			wantStage: StagePending,
		},
		{
			name: "nonce unavailable",
			steps: func(t *testing.T) []Step {
				return []Step{{Name: "A", Bytecode: deployableCode()}}
			},
			setup: func(b *MockBackend) {
				b.On("PendingNonceAt", mock.Anything, testAddr()).Return(uint64(0), errors.New("rpc timeout"))
			},
			wantErr:   ErrBroadcast,
			wantStage: StagePending,
		},
		{
			name: "argument does not fit constructor",
			steps: func(t *testing.T) []Step {
				return []Step{{
					Name:     "A",
					Bytecode: deployableCode(),
					ABI:      mustABI(t, singleAddressABI),
					Args:     []Arg{Literal("not-an-address")},
				}}
			},
			setup:     func(b *MockBackend) {},
			wantErr:   ErrEncoding,
			wantStage: StagePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &MockBackend{}
			backend.On("ChainID", mock.Anything).Return(big.NewInt(31337), nil)
			tt.setup(backend)

			o, err := NewOrchestrator(testNetwork(t, big.NewInt(31337)), tt.steps(t), fastChainClient(backend), OrchestratorConfig{})
			require.NoError(t, err)

			report, err := o.Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			require.NotNil(t, report.Failed)
			assert.Equal(t, tt.wantStage, report.Failed.Stage)
			backend.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
		})
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	code := deployableCode()
	addrABI := mustABI(t, singleAddressABI)

	tests := []struct {
		name    string
		network func(n NetworkConfig) NetworkConfig
		steps   []Step
		wantErr error
	}{
		{
			name:    "no steps",
			steps:   nil,
			wantErr: ErrConfig,
		},
		{
			name:    "missing name",
			steps:   []Step{{Bytecode: code}},
			wantErr: ErrConfig,
		},
		{
			name:    "duplicate names",
			steps:   []Step{{Name: "A", Bytecode: code}, {Name: "A", Bytecode: code}},
			wantErr: ErrConfig,
		},
		{
			name:    "empty bytecode",
			steps:   []Step{{Name: "A"}},
			wantErr: ErrConfig,
		},
		{
			name:    "args without ABI",
			steps:   []Step{{Name: "A", Bytecode: code, Args: []Arg{Literal(1)}}},
			wantErr: ErrConfig,
		},
		{
			name: "forward reference",
			steps: []Step{
				{Name: "A", Bytecode: code, ABI: addrABI, Args: []Arg{AddressOf("B")}},
				{Name: "B", Bytecode: code},
			},
			wantErr: ErrConfig,
		},
		{
			name:    "self reference",
			steps:   []Step{{Name: "A", Bytecode: code, ABI: addrABI, Args: []Arg{AddressOf("A")}}},
			wantErr: ErrConfig,
		},
		{
			name:    "step gas above ceiling",
			steps:   []Step{{Name: "A", Bytecode: code, GasLimit: DefaultGasLimit + 1}},
			wantErr: ErrConfig,
		},
		{
			name:    "missing chain id",
			network: func(n NetworkConfig) NetworkConfig { n.ChainID = nil; return n },
			steps:   []Step{{Name: "A", Bytecode: code}},
			wantErr: ErrConfig,
		},
		{
			name: "from does not match key",
			network: func(n NetworkConfig) NetworkConfig {
				n.From = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
				return n
			},
			steps:   []Step{{Name: "A", Bytecode: code}},
			wantErr: ErrConfig,
		},
		{
			name:    "invalid key",
			network: func(n NetworkConfig) NetworkConfig { n.SigningKey = []byte{1}; return n },
			steps:   []Step{{Name: "A", Bytecode: code}},
			wantErr: ErrSigning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := testNetwork(t, big.NewInt(31337))
			if tt.network != nil {
				network = tt.network(network)
			}
			_, err := NewOrchestrator(network, tt.steps, fastChainClient(&MockBackend{}), OrchestratorConfig{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	_, err := NewOrchestrator(testNetwork(t, big.NewInt(1)), []Step{{Name: "A", Bytecode: code}}, nil, OrchestratorConfig{})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestNewOrchestratorDefaults(t *testing.T) {
	network := testNetwork(t, big.NewInt(31337))
	network.GasLimit = 0

	o, err := NewOrchestrator(network, []Step{{Name: "A", Bytecode: deployableCode()}}, fastChainClient(&MockBackend{}), OrchestratorConfig{})
	require.NoError(t, err)

	assert.Equal(t, testAddr(), o.From())
	assert.NotEmpty(t, o.RunID())
	assert.Equal(t, uint64(DefaultGasLimit), o.network.GasLimit)
	assert.Equal(t, []string{"A"}, o.StepNames())
}

func TestNewOrchestratorCopiesSteps(t *testing.T) {
	steps := []Step{{Name: "A", Bytecode: deployableCode()}}
	o, err := NewOrchestrator(testNetwork(t, big.NewInt(31337)), steps, fastChainClient(&MockBackend{}), OrchestratorConfig{RunID: "fixed"})
	require.NoError(t, err)

	steps[0].Name = "mutated"
	steps[0].Bytecode[0] = 0xff

	assert.Equal(t, []string{"A"}, o.StepNames())
	assert.Equal(t, deployableCode(), o.steps[0].Bytecode)
	assert.Equal(t, "fixed", o.RunID())
}

// fakeNode is an in-memory Chain that mines every transaction immediately and
// advances the account nonce.
type fakeNode struct {
	chainID *big.Int
	nonce   uint64
	sent    []*types.Transaction
}

func (f *fakeNode) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeNode) Nonce(context.Context, common.Address) (uint64, error) { return f.nonce, nil }

func (f *fakeNode) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeNode) Broadcast(_ context.Context, signed *SignedTransaction) (common.Hash, error) {
	if signed.Tx.Nonce() != f.nonce {
		return common.Hash{}, newError(KindBroadcast, "send transaction", errors.New("nonce too low"))
	}
	f.sent = append(f.sent, signed.Tx)
	f.nonce++
	return signed.Hash, nil
}

func (f *fakeNode) AwaitReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	for _, tx := range f.sent {
		if tx.Hash() == txHash {
			return &types.Receipt{
				Status:          types.ReceiptStatusSuccessful,
				TxHash:          txHash,
				ContractAddress: crypto.CreateAddress(testAddr(), tx.Nonce()),
				BlockNumber:     new(big.Int).SetUint64(tx.Nonce() + 1),
			}, nil
		}
	}
	return nil, newError(KindConfirmation, "wait for receipt", errors.New("unknown transaction"))
}

func TestOrchestratorNonceSequenceProperty(t *testing.T) {
	key := testKey(t)
	addrABI := mustABI(t, singleAddressABI)

	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.Uint64Range(0, 1<<40).Draw(rt, "start")
		count := rapid.IntRange(1, 8).Draw(rt, "count")

		steps := make([]Step, count)
		for i := range steps {
			steps[i] = Step{Name: fmt.Sprintf("step-%d", i), Bytecode: deployableCode()}
			if i > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("ref-%d", i)) {
				steps[i].ABI = addrABI
				steps[i].Args = []Arg{AddressOf(fmt.Sprintf("step-%d", i-1))}
			}
		}

		node := &fakeNode{chainID: big.NewInt(5), nonce: start}
		network := NetworkConfig{ChainID: big.NewInt(5), SigningKey: key, GasLimit: DefaultGasLimit}
		o, err := NewOrchestrator(network, steps, node, OrchestratorConfig{})
		require.NoError(rt, err)

		report, err := o.Run(context.Background())
		require.NoError(rt, err)
		require.Len(rt, report.Results, count)

		for i, res := range report.Results {
			assert.Equal(rt, start+uint64(i), res.Nonce)
			if len(steps[i].Args) > 0 {
				decoded, err := DecodeConstructorArgs(addrABI, res.Data[len(deployableCode()):])
				require.NoError(rt, err)
				assert.Equal(rt, report.Results[i-1].Address, decoded[0])
			}
		}
	})
}

func TestValidate(t *testing.T) {
	network := testNetwork(t, big.NewInt(31337))
	from, err := Validate(network, []Step{{Name: "A", Bytecode: deployableCode()}})
	require.NoError(t, err)
	assert.Equal(t, testAddr(), from)

	network.GasLimit = 0
	_, err = Validate(network, []Step{{Name: "A", Bytecode: deployableCode()}})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestObservers(t *testing.T) {
	first, second := &stageRecorder{}, &stageRecorder{}
	Observers{first, nil, second}.OnStage("A", StageBuilt)

	assert.Equal(t, []stageEvent{{Step: "A", Stage: StageBuilt}}, first.events)
	assert.Equal(t, first.events, second.events)
}
