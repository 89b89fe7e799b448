// Package artifacts loads compiled contract artifacts (ABI and creation
// bytecode) produced by Hardhat, Foundry or solc --combined-json tooling.
package artifacts

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Bidon15/popdeploy/internal/deployer"
)

// ContractArtifact represents a compiled Solidity contract with ABI and bytecode.
type ContractArtifact struct {
	ABI              json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
	ContractName     string          `json:"contractName,omitempty"`

	// Path the artifact was read from, if any.
	Path string `json:"-"`
	// Checksum of the artifact file, "sha256:<hex>".
	Checksum string `json:"-"`
}

// Bytecode contains the contract bytecode.
// It handles both formats:
// - Simple string: "0x608060..." (Hardhat)
// - Object with "object" field: {"object": "0x608060..."} (Foundry)
type Bytecode struct {
	hex string
}

// NewBytecode wraps a hex string.
func NewBytecode(hex string) Bytecode {
	return Bytecode{hex: hex}
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the bytecode hex string.
func (b Bytecode) String() string {
	return b.hex
}

// Bytes decodes the bytecode. Unlinked library placeholders are rejected.
func (b Bytecode) Bytes() ([]byte, error) {
	return DecodeHex(b.hex)
}

// DecodeHex decodes creation bytecode with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return nil, fmt.Errorf("empty bytecode")
	}
	if strings.Contains(s, "__") {
		return nil, fmt.Errorf("bytecode contains unlinked library placeholders")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	decoded, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	return decoded, nil
}

// GetBytecodeBytes returns the creation bytecode.
func (a *ContractArtifact) GetBytecodeBytes() ([]byte, error) {
	b, err := a.Bytecode.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name(), err)
	}
	return b, nil
}

// GetParsedABI parses the artifact's ABI.
func (a *ContractArtifact) GetParsedABI() (*abi.ABI, error) {
	if len(a.ABI) == 0 {
		return nil, fmt.Errorf("%s: artifact has no ABI", a.name())
	}
	return deployer.ParseABI(a.ABI)
}

// HasConstructorArgs reports whether the contract's constructor takes arguments.
func (a *ContractArtifact) HasConstructorArgs() (bool, error) {
	parsed, err := a.GetParsedABI()
	if err != nil {
		return false, err
	}
	return len(parsed.Constructor.Inputs) > 0, nil
}

func (a *ContractArtifact) name() string {
	if a.ContractName != "" {
		return a.ContractName
	}
	if a.Path != "" {
		return filepath.Base(a.Path)
	}
	return "artifact"
}

// Parse decodes an artifact from JSON.
func Parse(data []byte) (*ContractArtifact, error) {
	var artifact ContractArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	artifact.Checksum = Checksum(data)
	return &artifact, nil
}

// Checksum returns the "sha256:<hex>" digest of data.
func Checksum(data []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

// Loader reads artifacts from disk. Relative paths resolve against BaseDir.
// Each file is read once and shared between steps that reference it.
type Loader struct {
	BaseDir string

	mu    sync.Mutex
	cache map[string]*ContractArtifact
}

// NewLoader creates a loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{
		BaseDir: baseDir,
		cache:   make(map[string]*ContractArtifact),
	}
}

// Load reads and parses the artifact at path. If expectedChecksum is set, the
// file's sha256 must match it.
func (l *Loader) Load(path, expectedChecksum string) (*ContractArtifact, error) {
	full := path
	if !filepath.IsAbs(full) && l.BaseDir != "" {
		full = filepath.Join(l.BaseDir, full)
	}
	full = filepath.Clean(full)

	l.mu.Lock()
	defer l.mu.Unlock()

	artifact, ok := l.cache[full]
	if !ok {
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", path, err)
		}
		artifact, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		artifact.Path = full
		if l.cache == nil {
			l.cache = make(map[string]*ContractArtifact)
		}
		l.cache[full] = artifact
	}

	if expectedChecksum != "" && !strings.EqualFold(expectedChecksum, artifact.Checksum) {
		return nil, fmt.Errorf("checksum mismatch for %s: expected %s, got %s", path, expectedChecksum, artifact.Checksum)
	}
	return artifact, nil
}
