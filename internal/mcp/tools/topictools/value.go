package topictools

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
)

// EncodeValue converts an agent-supplied value into the JSON wire form for a
// topic of type t, rejecting values the type cannot hold.
//
//   - string: any JSON string; numbers and booleans are converted to text.
//   - int64: an integral number, or a string holding one.
//   - double: a finite number, or a string holding one.
//   - binary: a base64 string.
//   - json, time_series, recordv2: any JSON value; a string that itself
//     holds a JSON document is decoded first for the json type.
func EncodeValue(t backend.TopicType, v any) (json.RawMessage, error) {
	switch t {
	case backend.TopicString:
		switch x := v.(type) {
		case string:
			return json.Marshal(x)
		case json.Number:
			return json.Marshal(x.String())
		case bool:
			return json.Marshal(strconv.FormatBool(x))
		case nil:
			return nil, fmt.Errorf("value for a string topic must not be null")
		default:
			return nil, fmt.Errorf("value for a string topic must be a string, got %s", kindOf(v))
		}

	case backend.TopicInt64:
		n, err := numberText(v, "int64")
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %s is not a 64-bit integer", n)
		}
		return json.Marshal(i)

	case backend.TopicDouble:
		n, err := numberText(v, "double")
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("value %s is not a finite number", n)
		}
		return json.Marshal(f)

	case backend.TopicBinary:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value for a binary topic must be a base64 string, got %s", kindOf(v))
		}
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("value for a binary topic is not valid base64: %w", err)
		}
		return json.Marshal(s)

	case backend.TopicJSON:
		if s, ok := v.(string); ok {
			trimmed := strings.TrimSpace(s)
			if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
				return json.RawMessage(trimmed), nil
			}
		}
		return json.Marshal(v)

	case backend.TopicTimeSeries, backend.TopicRecordV2:
		return json.Marshal(v)
	}
	return nil, fmt.Errorf("unsupported topic type %q", t)
}

func numberText(v any, typeName string) (string, error) {
	switch x := v.(type) {
	case json.Number:
		return x.String(), nil
	case string:
		return strings.TrimSpace(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("value for a %s topic must be a number, got %s", typeName, kindOf(v))
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
