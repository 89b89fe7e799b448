package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Bidon15/popdeploy/internal/config"
	"github.com/Bidon15/popdeploy/internal/deployer"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate a plan and print the resolved steps",
	Long: `Load the plan, its artifacts and the signing key, run every check a
deployment would run, and print the resolved steps as YAML. No RPC calls
are made.

With --start-nonce, contract addresses are predicted from the deploying
account and consecutive nonces, and address references are shown
resolved.

Examples:
  popdeploy plan -c deploy.yaml
  popdeploy plan -c deploy.yaml --start-nonce 0`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().Uint64("start-nonce", 0, "predict addresses assuming the first step uses this nonce")
	rootCmd.AddCommand(planCmd)
}

type planView struct {
	ChainID  uint64     `yaml:"chain_id"`
	RPCURL   string     `yaml:"rpc_url"`
	From     string     `yaml:"from"`
	GasLimit uint64     `yaml:"gas_limit"`
	Steps    []stepView `yaml:"steps"`
}

type stepView struct {
	Name          string   `yaml:"name"`
	Source        string   `yaml:"source"`
	Checksum      string   `yaml:"checksum,omitempty"`
	BytecodeBytes int      `yaml:"bytecode_bytes"`
	GasLimit      uint64   `yaml:"gas_limit"`
	Nonce         *uint64  `yaml:"nonce,omitempty"`
	Address       string   `yaml:"address,omitempty"`
	Args          []string `yaml:"args,omitempty"`
	Warnings      []string `yaml:"warnings,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	plan, err := cfg.ToPlan(nil)
	if err != nil {
		return err
	}
	from, err := deployer.Validate(plan.Network, plan.Steps)
	if err != nil {
		return err
	}

	var startNonce *uint64
	if cmd.Flags().Changed("start-nonce") {
		n, _ := cmd.Flags().GetUint64("start-nonce")
		startNonce = &n
	}

	view := buildPlanView(cfg, plan, from, startNonce)

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return enc.Close()
}

func buildPlanView(cfg *config.Config, plan *config.Plan, from common.Address, startNonce *uint64) planView {
	view := planView{
		ChainID:  cfg.Network.ChainID,
		RPCURL:   cfg.Network.RPCURL,
		From:     from.Hex(),
		GasLimit: plan.Network.GasLimit,
		Steps:    make([]stepView, 0, len(plan.Steps)),
	}

	predicted := make(map[string]common.Address, len(plan.Steps))
	for i, step := range plan.Steps {
		sv := stepView{
			Name:          step.Name,
			Source:        "inline",
			BytecodeBytes: len(step.Bytecode),
			GasLimit:      plan.Network.GasLimit,
		}
		if step.GasLimit != 0 {
			sv.GasLimit = step.GasLimit
		}
		if artifact := plan.Artifacts[step.Name]; artifact != nil {
			sv.Source = artifact.Path
			sv.Checksum = artifact.Checksum
			if len(step.Args) == 0 {
				if takesArgs, err := artifact.HasConstructorArgs(); err == nil && takesArgs {
					sv.Warnings = append(sv.Warnings, "constructor takes arguments but none are configured")
				}
			}
		}
		if startNonce != nil {
			nonce := *startNonce + uint64(i)
			addr := crypto.CreateAddress(from, nonce)
			predicted[step.Name] = addr
			sv.Nonce = &nonce
			sv.Address = addr.Hex()
		}
		for _, arg := range step.Args {
			sv.Args = append(sv.Args, describeArg(arg, predicted))
		}
		view.Steps = append(view.Steps, sv)
	}
	return view
}

func describeArg(arg deployer.Arg, predicted map[string]common.Address) string {
	if !arg.IsRef() {
		return fmt.Sprint(arg.Value)
	}
	if addr, ok := predicted[arg.Ref]; ok {
		return addr.Hex()
	}
	return "address of " + arg.Ref
}
