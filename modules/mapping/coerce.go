package mapping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "01/02/2006"}

// Coerce converts a transformed value to the mapping's declared data type.
// Null passes through untouched; validation rules decide whether null is
// acceptable.
func Coerce(value any, dt pairtypes.DataType) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch dt {
	case pairtypes.DataTypeString:
		return coerceString(value)
	case pairtypes.DataTypeInteger:
		return coerceInteger(value)
	case pairtypes.DataTypeFloat:
		return coerceFloat(value)
	case pairtypes.DataTypeBoolean:
		return coerceBoolean(value)
	case pairtypes.DataTypeDate:
		return coerceDate(value)
	default:
		return nil, fmt.Errorf("unknown data type %q", string(dt))
	}
}

func coerceString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return nil, fmt.Errorf("cannot represent %T as string", value)
	}
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v.String())
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot represent %T as integer", value)
	}
}

func coerceFloat(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot represent %T as float", value)
	}
}

func coerceBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		default:
			return nil, fmt.Errorf("%q is not a boolean", v)
		}
	case int:
		return coerceBoolFromInt(int64(v))
	case int64:
		return coerceBoolFromInt(v)
	case float64:
		if v == 0 {
			return false, nil
		}
		if v == 1 {
			return true, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	default:
		return nil, fmt.Errorf("cannot represent %T as boolean", value)
	}
}

func coerceBoolFromInt(v int64) (any, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return nil, fmt.Errorf("%d is not a boolean", v)
	}
}

// coerceDate normalizes to the engine's canonical date form, "2006-01-02".
func coerceDate(value any) (any, error) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
		return nil, fmt.Errorf("%q is not a date", v)
	case time.Time:
		return v.Format("2006-01-02"), nil
	default:
		return nil, fmt.Errorf("cannot represent %T as date", value)
	}
}
