package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// caster converts a raw wire value into the typed value for one DataType.
type caster func(raw any) (any, error)

// casters is the fixed cast table. DataTypeNone is handled separately
// (pass-through); any type missing here cannot be cast.
var casters = map[DataType]caster{
	DataTypeInteger: castInteger,
	DataTypeDate:    castInteger,
	DataTypeString:  castString,
	DataTypeFloat:   castFloat,
	DataTypeBoolean: castBoolean,
}

// CastValue derives the typed value of a state from its raw wire value.
//
// DataTypeNone passes the raw value through unchanged. Every other type is
// looked up in the cast table; a missing entry or a value that does not parse
// is an error wrapping ErrCastFailed. Nothing is coerced to a default.
func CastValue(t DataType, raw any) (any, error) {
	if t == DataTypeNone {
		return raw, nil
	}

	cast, ok := casters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s (%d)", ErrCastFailed, ErrUnsupportedType, t, int(t))
	}

	value, err := cast(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s from %T %v: %w", ErrCastFailed, t, raw, raw, err)
	}
	return value, nil
}

// NewState builds a State whose typed value is cast from raw.
func NewState(name string, t DataType, raw any) (State, error) {
	value, err := CastValue(t, raw)
	if err != nil {
		return State{}, fmt.Errorf("state %q: %w", name, err)
	}
	return State{Name: name, Type: t, Value: value, Raw: raw}, nil
}

func castInteger(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("number %d out of int64 range", v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-integral number %v", v)
		}
		// 2^63 is exactly representable; MaxInt64 is not.
		if v < math.MinInt64 || v >= -math.MinInt64 {
			return nil, fmt.Errorf("number %v out of int64 range", v)
		}
		return int64(v), nil
	default:
		return nil, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func castFloat(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return nil, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func castString(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool, int, int64, float64:
		return fmt.Sprint(v), nil
	default:
		return nil, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func castBoolean(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case bool:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported raw type %T", raw)
	}
}
