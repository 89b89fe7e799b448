// Package config provides deployment plan loading for popdeploy.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/Bidon15/popdeploy/internal/artifacts"
	"github.com/Bidon15/popdeploy/internal/deployer"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "POPDEPLOY"

// Config holds a complete deployment plan.
type Config struct {
	Network   NetworkConfig    `mapstructure:"network"`
	Contracts []ContractConfig `mapstructure:"contracts" validate:"required,min=1,dive"`
	Output    OutputConfig     `mapstructure:"output"`
	Log       LogConfig        `mapstructure:"log"`

	// Directory of the config file; relative artifact paths resolve against it.
	BaseDir string `mapstructure:"-"`
}

// NetworkConfig holds the target chain and deploying account.
type NetworkConfig struct {
	RPCURL         string        `mapstructure:"rpc_url" validate:"required,url"`
	ChainID        uint64        `mapstructure:"chain_id" validate:"required,gt=0"`
	PrivateKey     string        `mapstructure:"private_key" validate:"required"`
	From           string        `mapstructure:"from" validate:"omitempty,eth_addr"`
	GasLimit       uint64        `mapstructure:"gas_limit" validate:"required,gt=0"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// ContractConfig describes one deployment step. Exactly one of Artifact or
// Bytecode must be set.
type ContractConfig struct {
	Name     string      `mapstructure:"name" validate:"required,min=1,max=100"`
	Artifact string      `mapstructure:"artifact" validate:"required_without=Bytecode,excluded_with=Bytecode"`
	Checksum string      `mapstructure:"checksum" validate:"omitempty,startswith=sha256:"`
	Bytecode string      `mapstructure:"bytecode" validate:"omitempty,hexadecimal"`
	ABI      string      `mapstructure:"abi"` // inline ABI JSON, used with Bytecode
	GasLimit uint64      `mapstructure:"gas_limit"`
	Args     []ArgConfig `mapstructure:"args"`
}

// ArgConfig is a constructor argument: a literal value or a reference to an
// earlier contract's address.
type ArgConfig struct {
	Value any    `mapstructure:"value"`
	Ref   string `mapstructure:"ref"`
}

// OutputConfig controls run artefacts.
type OutputConfig struct {
	ReportPath  string `mapstructure:"report"`
	MetricsPath string `mapstructure:"metrics_file"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Load reads configuration from the plan file and environment variables.
// An empty path searches for popdeploy.yaml in the working directory.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so flags bound with
// BindPFlag take precedence over file and environment values.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("popdeploy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested keys are only picked up from the environment when bound.
	_ = v.BindEnv("network.rpc_url", EnvPrefix+"_NETWORK_RPC_URL")
	_ = v.BindEnv("network.chain_id", EnvPrefix+"_NETWORK_CHAIN_ID")
	_ = v.BindEnv("network.private_key", EnvPrefix+"_NETWORK_PRIVATE_KEY")
	_ = v.BindEnv("network.from", EnvPrefix+"_NETWORK_FROM")
	_ = v.BindEnv("network.gas_limit", EnvPrefix+"_NETWORK_GAS_LIMIT")
	_ = v.BindEnv("network.receipt_timeout", EnvPrefix+"_NETWORK_RECEIPT_TIMEOUT")
	_ = v.BindEnv("network.poll_interval", EnvPrefix+"_NETWORK_POLL_INTERVAL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config file: %v", deployer.ErrConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", deployer.ErrConfig, err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		cfg.BaseDir = filepath.Dir(used)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("network.rpc_url", "http://localhost:8545")
	v.SetDefault("network.gas_limit", deployer.DefaultGasLimit)
	v.SetDefault("network.receipt_timeout", deployer.DefaultReceiptTimeout.String())
	v.SetDefault("network.poll_interval", deployer.DefaultPollInterval.String())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

var validate = validator.New()

// Validate checks field constraints and the argument shape of every
// contract. All problems are reported together.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", deployer.ErrConfig, err)
	}

	var result *multierror.Error
	for _, contract := range c.Contracts {
		for i, arg := range contract.Args {
			hasValue := arg.Value != nil
			hasRef := arg.Ref != ""
			if hasValue == hasRef {
				result = multierror.Append(result,
					fmt.Errorf("contract %q argument %d must set exactly one of value or ref", contract.Name, i))
			}
		}
		if contract.Bytecode != "" && len(contract.Args) > 0 && contract.ABI == "" {
			result = multierror.Append(result,
				fmt.Errorf("contract %q has inline bytecode and arguments but no abi", contract.Name))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", deployer.ErrConfig, err)
	}
	return nil
}

// Plan is a validated configuration converted to deployer inputs.
type Plan struct {
	Network deployer.NetworkConfig
	Steps   []deployer.Step
	// Artifacts by step name; nil for inline bytecode.
	Artifacts map[string]*artifacts.ContractArtifact
}

// ToPlan loads artifacts, decodes the signing key and converts the
// configuration into a network config and ordered steps.
func (c *Config) ToPlan(loader *artifacts.Loader) (*Plan, error) {
	key, err := deployer.ParseKey(c.Network.PrivateKey)
	if err != nil {
		return nil, err
	}

	network := deployer.NetworkConfig{
		ChainID:        new(big.Int).SetUint64(c.Network.ChainID),
		RPCURL:         c.Network.RPCURL,
		SigningKey:     key,
		GasLimit:       c.Network.GasLimit,
		ReceiptTimeout: c.Network.ReceiptTimeout,
		PollInterval:   c.Network.PollInterval,
	}
	if c.Network.From != "" {
		network.From = common.HexToAddress(c.Network.From)
	}

	if loader == nil {
		loader = artifacts.NewLoader(c.BaseDir)
	}

	plan := &Plan{
		Network:   network,
		Steps:     make([]deployer.Step, 0, len(c.Contracts)),
		Artifacts: make(map[string]*artifacts.ContractArtifact),
	}
	for _, contract := range c.Contracts {
		step, artifact, err := contract.toStep(loader)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
		plan.Artifacts[contract.Name] = artifact
	}
	return plan, nil
}

func (cc ContractConfig) toStep(loader *artifacts.Loader) (deployer.Step, *artifacts.ContractArtifact, error) {
	step := deployer.Step{
		Name:     cc.Name,
		GasLimit: cc.GasLimit,
		Args:     make([]deployer.Arg, len(cc.Args)),
	}
	for i, arg := range cc.Args {
		if arg.Ref != "" {
			step.Args[i] = deployer.AddressOf(arg.Ref)
		} else {
			step.Args[i] = deployer.Literal(arg.Value)
		}
	}

	var artifact *artifacts.ContractArtifact
	if cc.Artifact != "" {
		var err error
		artifact, err = loader.Load(cc.Artifact, cc.Checksum)
		if err != nil {
			return step, nil, fmt.Errorf("%w: contract %q: %v", deployer.ErrConfig, cc.Name, err)
		}
		step.Bytecode, err = artifact.GetBytecodeBytes()
		if err != nil {
			return step, nil, fmt.Errorf("%w: contract %q: %v", deployer.ErrConfig, cc.Name, err)
		}
		if len(step.Args) > 0 {
			step.ABI, err = artifact.GetParsedABI()
			if err != nil {
				return step, nil, fmt.Errorf("contract %q: %w", cc.Name, err)
			}
		}
		return step, artifact, nil
	}

	code, err := artifacts.DecodeHex(cc.Bytecode)
	if err != nil {
		return step, nil, fmt.Errorf("%w: contract %q: %v", deployer.ErrConfig, cc.Name, err)
	}
	step.Bytecode = code
	if cc.ABI != "" {
		var parsed *abi.ABI
		parsed, err = deployer.ParseABI([]byte(cc.ABI))
		if err != nil {
			return step, nil, fmt.Errorf("contract %q: %w", cc.Name, err)
		}
		step.ABI = parsed
	}
	return step, nil, nil
}
