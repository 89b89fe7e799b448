package deployer

import (
	"github.com/ethereum/go-ethereum/common"
)

// resolveArgs replaces AddressOf references with the addresses recorded in
// results. Literal values pass through unchanged.
func resolveArgs(args []Arg, results []Result) ([]any, error) {
	values := make([]any, len(args))
	for i, arg := range args {
		if !arg.IsRef() {
			values[i] = arg.Value
			continue
		}
		addr, ok := lookupAddress(results, arg.Ref)
		if !ok {
			return nil, configErrorf("argument %d references step %q which has no result", i, arg.Ref)
		}
		values[i] = addr
	}
	return values, nil
}

func lookupAddress(results []Result, step string) (common.Address, bool) {
	for _, res := range results {
		if res.Step == step {
			return res.Address, true
		}
	}
	return common.Address{}, false
}

// buildPayload returns the creation data for step: the bytecode verbatim when
// the step takes no arguments, otherwise the bytecode followed by the encoded
// constructor arguments.
func buildPayload(step *Step, results []Result, encode func(*Step, []any) ([]byte, error)) ([]byte, error) {
	if len(step.Args) == 0 {
		return common.CopyBytes(step.Bytecode), nil
	}
	values, err := resolveArgs(step.Args, results)
	if err != nil {
		return nil, err
	}
	encoded, err := encode(step, values)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(step.Bytecode)+len(encoded))
	data = append(data, step.Bytecode...)
	data = append(data, encoded...)
	return data, nil
}

// validatePlan checks step names and references before anything touches the
// network.
func validatePlan(steps []Step, ceiling uint64) error {
	if len(steps) == 0 {
		return configErrorf("deployment plan has no steps")
	}
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return configErrorf("step %d has no name", i)
		}
		if seen[step.Name] {
			return configErrorf("duplicate step name %q", step.Name)
		}
		if len(step.Bytecode) == 0 {
			return configErrorf("step %q has no bytecode", step.Name)
		}
		if len(step.Args) > 0 && step.ABI == nil {
			return configErrorf("step %q has constructor arguments but no ABI", step.Name)
		}
		if step.GasLimit > ceiling {
			return configErrorf("step %q gas limit %d exceeds ceiling %d", step.Name, step.GasLimit, ceiling)
		}
		for j, arg := range step.Args {
			if !arg.IsRef() {
				continue
			}
			if !seen[arg.Ref] {
				return configErrorf("step %q argument %d references %q, which is not an earlier step", step.Name, j, arg.Ref)
			}
		}
		seen[step.Name] = true
	}
	return nil
}
