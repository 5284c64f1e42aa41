package compiler

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// NormalizeValue converts a decoded JSON value to the platform's canonical
// string encoding: booleans become "true"/"false", numbers their decimal
// form, lists and objects compact JSON text, and nil the empty string.
// Strings pass through unchanged. Graphs store parameters in this form, so
// normalization happens once, where values enter the system.
func NormalizeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case []any, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// NormalizeParameters normalizes every value of a decoded parameter object.
// A nil map yields an empty, non-nil map.
func NormalizeParameters(raw map[string]any) map[string]string {
	params := make(map[string]string, len(raw))
	for k, v := range raw {
		params[k] = NormalizeValue(v)
	}
	return params
}
