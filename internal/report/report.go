// Package report renders deployment run outcomes as a JSON document and a
// human-readable table.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ryanuber/columnize"

	"github.com/Bidon15/popdeploy/internal/deployer"
)

// Run status values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Document is the persisted form of a run.
type Document struct {
	RunID      string            `json:"run_id"`
	ChainID    string            `json:"chain_id"`
	From       string            `json:"from"`
	Status     string            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Contracts  []Contract        `json:"contracts"`
	Addresses  map[string]string `json:"addresses"`
	Failure    *Failure          `json:"failure,omitempty"`
}

// Contract is one confirmed deployment.
type Contract struct {
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	TxHash          string   `json:"tx_hash"`
	Nonce           uint64   `json:"nonce"`
	GasPrice        string   `json:"gas_price"`
	GasUsed         uint64   `json:"gas_used"`
	BlockNumber     uint64   `json:"block_number"`
	DurationMS      int64    `json:"duration_ms"`
	ConstructorArgs []string `json:"constructor_args,omitempty"`
}

// Failure describes the step that halted the run.
type Failure struct {
	Step  string `json:"step"`
	Stage string `json:"stage"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Build converts a run report into a Document. Steps supply the ABI used to
// decode constructor arguments back out of each broadcast payload.
func Build(r *deployer.Report, steps []deployer.Step, startedAt, finishedAt time.Time) *Document {
	doc := &Document{
		RunID:      r.RunID,
		From:       r.From.Hex(),
		Status:     StatusSucceeded,
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
		Contracts:  make([]Contract, 0, len(r.Results)),
		Addresses:  make(map[string]string, len(r.Results)),
	}
	if r.ChainID != nil {
		doc.ChainID = r.ChainID.String()
	}

	byName := make(map[string]*deployer.Step, len(steps))
	for i := range steps {
		byName[steps[i].Name] = &steps[i]
	}

	for _, res := range r.Results {
		c := Contract{
			Name:        res.Step,
			Address:     res.Address.Hex(),
			TxHash:      res.TxHash.Hex(),
			Nonce:       res.Nonce,
			GasUsed:     res.GasUsed,
			BlockNumber: res.BlockNumber,
			DurationMS:  res.Duration.Milliseconds(),
		}
		if res.GasPrice != nil {
			c.GasPrice = res.GasPrice.String()
		}
		if step, ok := byName[res.Step]; ok {
			c.ConstructorArgs = decodeArgs(step, res.Data)
		}
		doc.Contracts = append(doc.Contracts, c)
		doc.Addresses[res.Step] = c.Address
	}

	if r.Failed != nil {
		doc.Status = StatusFailed
		doc.Failure = &Failure{
			Step:  r.Failed.Step,
			Stage: r.Failed.Stage.String(),
			Kind:  string(r.Failed.Kind),
			Error: r.Failed.Err.Error(),
		}
	}
	return doc
}

func decodeArgs(step *deployer.Step, data []byte) []string {
	if len(step.Args) == 0 || step.ABI == nil || len(data) <= len(step.Bytecode) {
		return nil
	}
	values, err := deployer.DecodeConstructorArgs(step.ABI, data[len(step.Bytecode):])
	if err != nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprint(v)
	}
	return out
}

// Write writes the document as indented JSON, creating parent directories.
func Write(path string, doc *Document, logger *slog.Logger) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	if logger != nil {
		logger.Info("report written", slog.String("path", path), slog.Int("contracts", len(doc.Contracts)))
	}
	return nil
}

// Read loads a previously written document.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &doc, nil
}

// PrintTable writes the deployed contracts in plan order, followed by the
// failure line if the run halted.
func PrintTable(w io.Writer, doc *Document) error {
	lines := []string{"STEP | ADDRESS | NONCE | GAS USED | TX HASH"}
	for _, c := range doc.Contracts {
		lines = append(lines, fmt.Sprintf("%s | %s | %d | %d | %s", c.Name, c.Address, c.Nonce, c.GasUsed, c.TxHash))
	}
	if doc.Failure != nil {
		lines = append(lines, fmt.Sprintf("%s | FAILED (%s at %s) | - | - | -", doc.Failure.Step, doc.Failure.Kind, doc.Failure.Stage))
	}

	out := columnize.SimpleFormat(lines)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}
