// Package deployer deploys an ordered list of contracts to an EVM chain,
// one contract-creation transaction at a time from a single account.
package deployer

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Default network parameters
const (
	DefaultGasLimit       = 4_000_000
	DefaultReceiptTimeout = 5 * time.Minute
	DefaultPollInterval   = 2 * time.Second
)

// Stage is the lifecycle state of a single deployment step.
type Stage string

const (
	StagePending   Stage = "pending"
	StageBuilt     Stage = "built"
	StageSigned    Stage = "signed"
	StageBroadcast Stage = "broadcast"
	StageConfirmed Stage = "confirmed"
	StageFailed    Stage = "failed"
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// Arg is a constructor argument: either a literal value or the address of a
// contract deployed by an earlier step.
type Arg struct {
	Value any
	Ref   string
}

// Literal returns an argument holding a fixed value.
func Literal(v any) Arg {
	return Arg{Value: v}
}

// AddressOf returns an argument that resolves to the contract address
// produced by the named step.
func AddressOf(step string) Arg {
	return Arg{Ref: step}
}

// IsRef reports whether the argument refers to a prior step's result.
func (a Arg) IsRef() bool {
	return a.Ref != ""
}

// Step describes one contract deployment.
type Step struct {
	Name     string
	Bytecode []byte
	Args     []Arg
	// ABI is only consulted when Args is non-empty.
	ABI *abi.ABI
	// GasLimit overrides the network gas limit when non-zero.
	GasLimit uint64
}

// NetworkConfig is the account and network a run deploys with.
type NetworkConfig struct {
	ChainID    *big.Int
	RPCURL     string
	SigningKey []byte
	// GasLimit is the ceiling for every deployment transaction.
	GasLimit uint64
	// From is derived from SigningKey when zero.
	From           common.Address
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// UnsignedTransaction is a transaction envelope before signing.
type UnsignedTransaction struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       *common.Address // nil for contract creation
	Value    *big.Int
	Data     []byte
}

// IsCreation reports whether the transaction creates a contract.
func (tx *UnsignedTransaction) IsCreation() bool {
	return tx.To == nil
}

// SignedTransaction is a signed, serialized transaction ready for broadcast.
type SignedTransaction struct {
	Raw  []byte
	Hash common.Hash
	Tx   *types.Transaction
}

// Result records a confirmed deployment.
type Result struct {
	Step        string         `json:"step"`
	Address     common.Address `json:"address"`
	TxHash      common.Hash    `json:"txHash"`
	Nonce       uint64         `json:"nonce"`
	GasPrice    *big.Int       `json:"gasPrice"`
	GasUsed     uint64         `json:"gasUsed"`
	BlockNumber uint64         `json:"blockNumber"`
	Data        []byte         `json:"-"`
	Duration    time.Duration  `json:"duration"`
}

// Report is the outcome of a run. Results are in completion order.
type Report struct {
	RunID   string         `json:"runId"`
	ChainID *big.Int       `json:"chainId"`
	From    common.Address `json:"from"`
	Results []Result       `json:"results"`
	Failed  *StepError     `json:"-"`
}

// Address returns the contract address produced by the named step.
func (r *Report) Address(step string) (common.Address, bool) {
	for _, res := range r.Results {
		if res.Step == step {
			return res.Address, true
		}
	}
	return common.Address{}, false
}

// Observer is notified of every stage transition of every step.
type Observer interface {
	OnStage(step string, stage Stage)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(step string, stage Stage)

// OnStage calls f(step, stage).
func (f ObserverFunc) OnStage(step string, stage Stage) {
	f(step, stage)
}

// Observers fans each transition out to every non-nil observer in order.
type Observers []Observer

// OnStage notifies each observer.
func (o Observers) OnStage(step string, stage Stage) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStage(step, stage)
		}
	}
}
