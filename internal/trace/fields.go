package trace

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/valyala/fastjson"
)

// canonicalKey rewrites a field name to AMQP's kebab-case spelling so that
// "DeliveryID", "deliveryId", "delivery_id" and "delivery-id" compare equal.
func canonicalKey(k string) string {
	rs := []rune(k)
	var b strings.Builder
	b.Grow(len(k) + 4)
	dash := func() {
		if s := b.String(); s != "" && !strings.HasSuffix(s, "-") {
			b.WriteByte('-')
		}
	}
	for i, r := range rs {
		switch {
		case r == '_' || r == ' ' || r == '-':
			dash()
		case unicode.IsUpper(r):
			if i > 0 {
				prev := rs[i-1]
				nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					dash()
				}
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// toAny converts a parsed value into plain Go values. Integral numbers become
// int64, everything else numeric stays float64. The result does not alias the
// parser's buffers.
func toAny(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		m := make(map[string]any, o.Len())
		o.Visit(func(k []byte, item *fastjson.Value) {
			m[string(k)] = toAny(item)
		})
		return m
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toAny(item)
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		f := v.GetFloat64()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	}
	return nil
}

// canonicalFields converts a JSON object into a field map with canonical
// top-level keys. Nested keys are kept as logged.
func canonicalFields(v *fastjson.Value) map[string]any {
	fields := map[string]any{}
	if v == nil || v.Type() != fastjson.TypeObject {
		return fields
	}
	o, _ := v.Object()
	o.Visit(func(k []byte, item *fastjson.Value) {
		fields[canonicalKey(string(k))] = toAny(item)
	})
	return fields
}

// parseTimestamp accepts RFC 3339 strings or Unix epochs in s, ms, µs or ns.
func parseTimestamp(v *fastjson.Value) (time.Time, bool) {
	switch v.Type() {
	case fastjson.TypeString:
		t, err := time.Parse(time.RFC3339Nano, string(v.GetStringBytes()))
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case fastjson.TypeNumber:
		f := v.GetFloat64()
		switch {
		case f > 1e17:
			return time.Unix(0, int64(f)).UTC(), true
		case f > 1e14:
			return time.UnixMicro(int64(f)).UTC(), true
		case f > 1e11:
			return time.UnixMilli(int64(f)).UTC(), true
		case f > 0:
			sec, frac := math.Modf(f)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
		}
	}
	return time.Time{}, false
}
