package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// texter matches response-like error values whose body holds the message.
type texter interface {
	Text() (string, error)
}

// ErrorMessage extracts a readable message from an error payload of unknown
// shape: a string, an error, a map with an "error" or "message" field, a
// value with a Text method, or anything JSON-encodable.
func ErrorMessage(v any) string {
	const fallback = "unknown error"
	switch x := v.(type) {
	case nil:
		return fallback
	case string:
		if strings.TrimSpace(x) == "" {
			return fallback
		}
		return x
	case texter:
		if s, err := x.Text(); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		if err, ok := v.(error); ok {
			return err.Error()
		}
		return fallback
	case error:
		return x.Error()
	case map[string]any:
		for _, k := range []string{"error", "message"} {
			if inner, ok := x[k]; ok && inner != nil {
				return ErrorMessage(inner)
			}
		}
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err == nil {
			return ErrorMessage(decoded)
		}
		return string(x)
	case fmt.Stringer:
		return x.String()
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
