package deployer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseABI parses a JSON ABI descriptor.
func ParseABI(abiJSON json.RawMessage) (*abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, newError(KindEncoding, "parse ABI", err)
	}
	return &parsed, nil
}

// EncodeConstructorArgs ABI-encodes args against the constructor signature
// of contractABI. The result is the suffix appended to creation bytecode.
func EncodeConstructorArgs(contractABI *abi.ABI, args []any) ([]byte, error) {
	if contractABI == nil {
		return nil, newError(KindEncoding, "encode constructor args", errors.New("no ABI for constructor arguments"))
	}
	inputs := contractABI.Constructor.Inputs
	if len(args) != len(inputs) {
		return nil, newError(KindEncoding, "encode constructor args",
			fmt.Errorf("constructor takes %d arguments, got %d", len(inputs), len(args)))
	}

	values := make([]any, len(args))
	for i, arg := range args {
		v, err := CoerceArg(inputs[i].Type, arg)
		if err != nil {
			return nil, newError(KindEncoding, "encode constructor args",
				fmt.Errorf("argument %d (%s %s): %w", i, inputs[i].Type.String(), inputs[i].Name, err))
		}
		values[i] = v
	}

	packed, err := inputs.Pack(values...)
	if err != nil {
		return nil, newError(KindEncoding, "encode constructor args", err)
	}
	return packed, nil
}

// DecodeConstructorArgs unpacks an encoded constructor argument suffix.
func DecodeConstructorArgs(contractABI *abi.ABI, data []byte) ([]any, error) {
	if contractABI == nil {
		return nil, newError(KindEncoding, "decode constructor args", errors.New("no ABI"))
	}
	values, err := contractABI.Constructor.Inputs.Unpack(data)
	if err != nil {
		return nil, newError(KindEncoding, "decode constructor args", err)
	}
	return values, nil
}

// CoerceArg converts v into the Go type go-ethereum's packer expects for t.
// Values that already have that type are returned unchanged. Loosely typed
// values from configuration files (numbers, hex and decimal strings, []any)
// are converted; anything else is a type mismatch.
func CoerceArg(t abi.Type, v any) (any, error) {
	if v == nil {
		return nil, errors.New("nil value")
	}
	goType := t.GetType()
	if reflect.TypeOf(v) == goType {
		return v, nil
	}

	switch t.T {
	case abi.AddressTy:
		return coerceAddress(v)
	case abi.BoolTy:
		return coerceBool(v)
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case abi.IntTy, abi.UintTy:
		n, err := coerceBigInt(v)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, goType, n)
	case abi.BytesTy:
		return coerceBytes(v)
	case abi.FixedBytesTy:
		b, err := coerceBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(goType).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		return coerceList(t, goType, v)
	default:
		return nil, fmt.Errorf("unsupported ABI type %s", t.String())
	}
}

func coerceAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case *common.Address:
		if a == nil {
			return common.Address{}, errors.New("nil address")
		}
		return *a, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(a), nil
	default:
		return common.Address{}, fmt.Errorf("expected address, got %T", v)
	}
}

func coerceBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("invalid bool %q", b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func coerceBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, errors.New("nil integer")
		}
		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return nil, fmt.Errorf("non-integral number %v", n)
		}
		if math.Abs(n) > 1<<53 {
			return nil, fmt.Errorf("number %v exceeds float precision, use a string", n)
		}
		return big.NewInt(int64(n)), nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), "_", "")
		parsed, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}

// fitInteger range-checks n against t and converts it to goType, which is
// *big.Int for sizes other than 8, 16, 32 and 64 bits.
func fitInteger(t abi.Type, goType reflect.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s for %s", n, t.String())
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		minimum := new(big.Int).Neg(limit)
		if n.Cmp(minimum) < 0 || n.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	}

	if goType == reflect.TypeOf(&big.Int{}) {
		return n, nil
	}
	out := reflect.New(goType).Elem()
	switch goType.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out.SetUint(n.Uint64())
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out.SetInt(n.Int64())
	default:
		return nil, fmt.Errorf("unsupported integer representation %s", goType)
	}
	return out.Interface(), nil
}

func coerceBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if !strings.HasPrefix(b, "0x") && !strings.HasPrefix(b, "0X") {
			return nil, fmt.Errorf("bytes must be 0x-prefixed hex, got %q", b)
		}
		decoded, err := hexutil.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", b, err)
		}
		return decoded, nil
	case common.Hash:
		return b.Bytes(), nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

func coerceList(t abi.Type, goType reflect.Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected list for %s, got %T", t.String(), v)
	}
	if t.T == abi.ArrayTy && rv.Len() != t.Size {
		return nil, fmt.Errorf("expected %d elements for %s, got %d", t.Size, t.String(), rv.Len())
	}

	var out reflect.Value
	if t.T == abi.ArrayTy {
		out = reflect.New(goType).Elem()
	} else {
		out = reflect.MakeSlice(goType, rv.Len(), rv.Len())
	}
	for i := 0; i < rv.Len(); i++ {
		elem, err := CoerceArg(*t.Elem, rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(elem))
	}
	return out.Interface(), nil
}
