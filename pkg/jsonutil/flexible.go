package jsonutil

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexibleStringValue renders a raw JSON scalar as a string, so adapter
// layouts may write 3 or "3" alike. null and empty give "", objects and
// arrays their raw text.
func FlexibleStringValue(raw json.RawMessage) string {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	if s, ok := FlexibleString(v); ok || v == nil {
		return s
	}
	return string(raw)
}

// FlexibleString converts a decoded JSON value (from a map[string]any) to a string.
// Returns empty string and false for nil or unsupported types.
func FlexibleString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case json.RawMessage:
		s := FlexibleStringValue(val)
		return s, s != ""
	default:
		return "", false
	}
}

// FlexibleInt converts a decoded JSON value to an int. Strings holding integers
// are accepted ("3"). Returns false when the value is missing or not integral.
func FlexibleInt(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		if val != float64(int64(val)) {
			return 0, false
		}
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
