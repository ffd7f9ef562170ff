package diff

import (
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
)

type rule struct {
	field    string
	severity Severity
}

// compared is the allow-list of summary fields compared per exchange kind.
// Anything not listed is implementation-specific noise: container ids,
// connection properties, link names, delivery ids and tags, handles and
// channels.
var compared = map[session.Kind][]rule{
	session.KindConnection: {
		{"hostname", SeverityBehavioral},
		{"idle-time-out", SeverityBehavioral},
		{"max-frame-size", SeverityInformational},
		{"channel-max", SeverityInformational},
		{"closed-by", SeverityBehavioral},
		{"error-condition", SeverityProtocolViolation},
	},
	session.KindSession: {
		{"incoming-window", SeverityInformational},
		{"outgoing-window", SeverityInformational},
		{"handle-max", SeverityInformational},
		{"closed-by", SeverityBehavioral},
		{"error-condition", SeverityProtocolViolation},
	},
	session.KindLink: {
		{"snd-settle-mode", SeverityProtocolViolation},
		{"rcv-settle-mode", SeverityProtocolViolation},
		{"max-message-size", SeverityBehavioral},
		{"initial-delivery-count", SeverityInformational},
		{"closed-by", SeverityBehavioral},
		{"error-condition", SeverityProtocolViolation},
	},
	session.KindDelivery: {
		{"settled", SeverityProtocolViolation},
		{"rcv-settle-mode", SeverityProtocolViolation},
		{"aborted", SeverityProtocolViolation},
		{"disposition-settled", SeverityProtocolViolation},
		{"error-condition", SeverityProtocolViolation},
		{"message-header", SeverityBehavioral},
		{"message-properties", SeverityBehavioral},
		{"application-properties", SeverityBehavioral},
		{"message-annotations", SeverityBehavioral},
		{"frames", SeverityInformational},
	},
	session.KindError: {
		{"description", SeverityInformational},
	},
}

var orphanRules = []rule{
	{"error-condition", SeverityProtocolViolation},
	{"state", SeverityBehavioral},
}

// volatileKeys are nested message keys every send assigns afresh. They are
// matched after normalizeKey.
var volatileKeys = map[string]bool{
	"messageid":          true,
	"creationtime":       true,
	"absoluteexpirytime": true,
	"userid":             true,
	"xoptenqueuedtime":   true,
	"xoptsequencenumber": true,
	"xoptlockedtime":     true,
	"xoptlocktoken":      true,
}

func rulesFor(ex *session.Exchange) []rule {
	if ex.Orphan {
		return orphanRules
	}
	return compared[ex.Kind]
}

func unmatchedSeverity(ex *session.Exchange) Severity {
	if ex.Kind == session.KindError {
		return SeverityProtocolViolation
	}
	return SeverityBehavioral
}

func normalizeKey(k string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, k)
}

// stripVolatile drops per-send keys from message section maps.
func stripVolatile(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if !volatileKeys[normalizeKey(k)] {
			out[k] = val
		}
	}
	return out
}

// equal compares decoded field values, treating numerically equal int64,
// uint64 and float64 values as the same.
func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// fieldNames lists the keys present on either side, sorted.
func fieldNames(a, b map[string]any) []string {
	seen := make(map[string]bool)
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
