package deployer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// Chain is the node access the orchestrator needs. *ChainClient implements it.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Broadcast(ctx context.Context, signed *SignedTransaction) (common.Hash, error)
	AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EncoderFunc encodes constructor arguments for a contract ABI.
type EncoderFunc func(contractABI *abi.ABI, args []any) ([]byte, error)

// OrchestratorConfig contains optional settings for the orchestrator.
type OrchestratorConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Observer receives every stage transition
	Observer Observer

	// Encoder defaults to EncodeConstructorArgs
	Encoder EncoderFunc

	// RunID identifies the run in logs and the report (default: random UUID)
	RunID string
}

// Orchestrator deploys a fixed list of steps strictly in order from one
// account. Step i+1 starts only after step i is confirmed, so each step reads
// a fresh nonce that already accounts for the previous deployment.
type Orchestrator struct {
	network  NetworkConfig
	steps    []Step
	chain    Chain
	from     common.Address
	encoder  EncoderFunc
	observer Observer
	runID    string
	logger   *slog.Logger
}

// NewOrchestrator validates the network configuration and plan and returns an
// orchestrator ready to run. No network calls are made.
func NewOrchestrator(network NetworkConfig, steps []Step, chain Chain, cfg OrchestratorConfig) (*Orchestrator, error) {
	if chain == nil {
		return nil, configErrorf("no chain client")
	}
	if network.GasLimit == 0 {
		network.GasLimit = DefaultGasLimit
	}
	from, err := Validate(network, steps)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	encoder := cfg.Encoder
	if encoder == nil {
		encoder = EncodeConstructorArgs
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	return &Orchestrator{
		network:  network,
		steps:    copySteps(steps),
		chain:    chain,
		from:     from,
		encoder:  encoder,
		observer: cfg.Observer,
		runID:    runID,
		logger:   logger.With(slog.String("run_id", runID)),
	}, nil
}

// Validate checks a network configuration and plan without touching the
// network and returns the deploying address. A zero gas limit is a
// configuration error here; NewOrchestrator substitutes DefaultGasLimit first.
func Validate(network NetworkConfig, steps []Step) (common.Address, error) {
	if network.ChainID == nil || network.ChainID.Sign() <= 0 {
		return common.Address{}, configErrorf("chain id must be positive")
	}
	if network.GasLimit == 0 {
		return common.Address{}, configErrorf("gas limit ceiling must be positive")
	}

	keyAddr, err := AddressFromKey(network.SigningKey)
	if err != nil {
		return common.Address{}, err
	}
	from := network.From
	if from == (common.Address{}) {
		from = keyAddr
	} else if from != keyAddr {
		return common.Address{}, configErrorf("from address %s does not match signing key address %s", from.Hex(), keyAddr.Hex())
	}

	if err := validatePlan(steps, network.GasLimit); err != nil {
		return common.Address{}, err
	}
	return from, nil
}

func copySteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Bytecode = common.CopyBytes(s.Bytecode)
		s.Args = append([]Arg(nil), s.Args...)
		out[i] = s
	}
	return out
}

// From returns the deploying account.
func (o *Orchestrator) From() common.Address {
	return o.from
}

// RunID returns the identifier of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run deploys every step in order. It stops at the first failure and returns
// the partial report together with a *StepError naming the failed step.
// Contracts deployed before the failure stay deployed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:   o.runID,
		ChainID: new(big.Int).Set(o.network.ChainID),
		From:    o.from,
		Results: make([]Result, 0, len(o.steps)),
	}

	o.logger.Info("starting contract deployment",
		slog.String("chain_id", o.network.ChainID.String()),
		slog.String("from", o.from.Hex()),
		slog.Int("steps", len(o.steps)),
	)

	if err := o.preflight(ctx); err != nil {
		return report, err
	}

	for i := range o.steps {
		step := &o.steps[i]
		result, stage, err := o.runStep(ctx, step, report.Results)
		if err != nil {
			stepErr := wrapStepError(step.Name, stage, err).(*StepError)
			report.Failed = stepErr
			o.notify(step.Name, StageFailed)
			o.logger.Error("contract deployment failed",
				slog.String("step", step.Name),
				slog.String("stage", stage.String()),
				slog.String("kind", string(stepErr.Kind)),
				slog.String("error", err.Error()),
				slog.Int("deployed", len(report.Results)),
			)
			return report, stepErr
		}
		report.Results = append(report.Results, *result)
	}

	o.logger.Info("contract deployment completed",
		slog.Int("deployed", len(report.Results)),
	)
	return report, nil
}

// preflight verifies the node serves the configured chain.
func (o *Orchestrator) preflight(ctx context.Context) error {
	chainID, err := o.chain.ChainID(ctx)
	if err != nil {
		return err
	}
	if chainID.Cmp(o.network.ChainID) != 0 {
		return configErrorf("chain ID mismatch: expected %s, got %s", o.network.ChainID, chainID)
	}
	return nil
}

// runStep takes one step from pending to confirmed. On failure it returns the
// last stage the step reached.
func (o *Orchestrator) runStep(ctx context.Context, step *Step, prior []Result) (*Result, Stage, error) {
	start := time.Now()
	stage := StagePending
	o.notify(step.Name, stage)

	data, err := buildPayload(step, prior, func(s *Step, values []any) ([]byte, error) {
		return o.encoder(s.ABI, values)
	})
	if err != nil {
		return nil, stage, err
	}

	nonce, err := o.chain.Nonce(ctx, o.from)
	if err != nil {
		return nil, stage, err
	}
	gasPrice, err := o.chain.GasPrice(ctx)
	if err != nil {
		return nil, stage, err
	}

	gasLimit := step.GasLimit
	if gasLimit == 0 {
		gasLimit = o.network.GasLimit
	}
	tx, err := BuildTransaction(nonce, gasPrice, gasLimit, o.network.GasLimit, nil, data)
	if err != nil {
		return nil, stage, err
	}
	stage = StageBuilt
	o.notify(step.Name, stage)

	signed, err := Sign(tx, o.network.SigningKey, o.network.ChainID)
	if err != nil {
		return nil, stage, err
	}
	stage = StageSigned
	o.notify(step.Name, stage)

	o.logger.Info("sending contract creation transaction",
		slog.String("step", step.Name),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price", gasPrice.String()),
		slog.Uint64("gas_limit", gasLimit),
		slog.Int("data_len", len(data)),
	)

	txHash, err := o.chain.Broadcast(ctx, signed)
	if err != nil {
		return nil, stage, err
	}
	stage = StageBroadcast
	o.notify(step.Name, stage)

	o.logger.Info("transaction submitted, waiting for confirmation",
		slog.String("step", step.Name),
		slog.String("tx_hash", txHash.Hex()),
	)

	receipt, err := o.chain.AwaitReceipt(ctx, txHash)
	if err != nil {
		return nil, stage, err
	}
	stage = StageConfirmed
	o.notify(step.Name, stage)

	result := &Result{
		Step:     step.Name,
		Address:  receipt.ContractAddress,
		TxHash:   txHash,
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasUsed:  receipt.GasUsed,
		Data:     data,
		Duration: time.Since(start),
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	o.logger.Info("contract deployed",
		slog.String("step", step.Name),
		slog.String("address", result.Address.Hex()),
		slog.String("tx_hash", txHash.Hex()),
		slog.Uint64("block_number", result.BlockNumber),
		slog.Uint64("gas_used", result.GasUsed),
	)
	return result, stage, nil
}

func (o *Orchestrator) notify(step string, stage Stage) {
	if o.observer != nil {
		o.observer.OnStage(step, stage)
	}
}

// StepNames returns the plan's step names in execution order.
func (o *Orchestrator) StepNames() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name
	}
	return names
}

// String implements fmt.Stringer for logging.
func (o *Orchestrator) String() string {
	return fmt.Sprintf("Orchestrator{run=%s chain=%s from=%s steps=%d}", o.runID, o.network.ChainID, o.from.Hex(), len(o.steps))
}
