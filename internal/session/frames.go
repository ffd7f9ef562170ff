package session

import (
	"encoding/base64"
	"maps"
	"slices"
	"strings"

	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

// errorCondition pulls the error condition out of close, end, detach and
// transport-error records. Loggers disagree on the shape: the condition may be
// nested under "error" or sit at the top level.
func errorCondition(rec trace.Record) string {
	for _, key := range []string{"error-condition", "condition"} {
		if s, ok := rec.String(key); ok && s != "" {
			return s
		}
	}
	if v, ok := rec.Field("error"); ok {
		switch e := v.(type) {
		case string:
			return e
		case map[string]any:
			return findCondition(e, 2)
		}
	}
	return ""
}

func findCondition(m map[string]any, depth int) string {
	for _, k := range []string{"condition", "Condition"} {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if strings.EqualFold(k, "condition") {
			if s, ok := m[k].(string); ok {
				return s
			}
		}
	}
	if depth == 0 {
		return ""
	}
	// fixed key order keeps the result deterministic
	for _, k := range []string{"error", "Error", "value", "Value"} {
		if nested, ok := m[k].(map[string]any); ok {
			if c := findCondition(nested, depth-1); c != "" {
				return c
			}
		}
	}
	return ""
}

// deliveryState names a disposition's state: accepted, rejected, released,
// modified or received. Empty when the disposition carries no state.
func deliveryState(rec trace.Record) string {
	v, ok := rec.Field("state")
	if !ok {
		return ""
	}
	var name string
	switch s := v.(type) {
	case string:
		name = s
	case map[string]any:
		for _, k := range []string{"type", "outcome", "descriptor", "Type"} {
			if str, ok := s[k].(string); ok {
				name = str
				break
			}
		}
		if name == "" && len(s) == 1 {
			for k := range s {
				name = k
			}
		}
	}
	name = strings.ToLower(name)
	switch {
	case strings.Contains(name, "accept"):
		return "accepted"
	case strings.Contains(name, "reject"):
		return "rejected"
	case strings.Contains(name, "release"):
		return "released"
	case strings.Contains(name, "modif"):
		return "modified"
	case strings.Contains(name, "receiv"):
		return "received"
	}
	return name
}

func terminalState(state string) bool {
	return state != "" && state != "received"
}

// address reads a terminus address from an attach's source or target.
func address(rec trace.Record, terminus string) string {
	v, ok := rec.Field(terminus)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"address", "Address"} {
			if s, ok := t[k].(string); ok {
				return s
			}
		}
	}
	return ""
}

// roleName renders an attach role (false = sender, true = receiver) as seen
// by the client.
func roleName(receiver bool) string {
	if receiver {
		return "receiver"
	}
	return "sender"
}

// content returns the message content a transfer frame carries: the decoded
// body when the logger provides one, otherwise the raw payload. Base64
// payload chunks are decoded; bodies are returned as logged.
func content(rec trace.Record) (any, bool) {
	if v, ok := rec.Field("body"); ok {
		return v, true
	}
	v, ok := rec.Field("payload")
	if !ok {
		return nil, false
	}
	if s, isString := v.(string); isString {
		if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
			return string(raw), true
		}
	}
	return v, true
}

// copyFields copies the named frame fields into dst when present and not
// already set.
func copyFields(dst map[string]any, rec trace.Record, keys ...string) {
	for _, k := range keys {
		if _, set := dst[k]; set {
			continue
		}
		if v, ok := rec.Field(k); ok {
			dst[k] = v
		}
	}
}
