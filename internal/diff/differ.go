package diff

import (
	"github.com/MikeSquared-Agency/amqpdiff/internal/align"
	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
)

// sectionFields are compared key by key so each differing entry is reported
// under its own path.
var sectionFields = map[string]bool{
	"message-header":         true,
	"message-properties":     true,
	"application-properties": true,
	"message-annotations":    true,
}

// Compare produces the report for an alignment. Divergences follow the
// reference trace's order; exchanges only the other trace has come last.
func Compare(a *align.Alignment, opts Options) *Report {
	if opts.Reference == "" {
		opts.Reference = ReferenceFirst
	}
	if opts.OrderingTolerance < 0 {
		opts.OrderingTolerance = 0
	}

	ref, other := a.Left, a.Right
	unmatchedRef, unmatchedOther := a.UnmatchedLeft, a.UnmatchedRight
	partner := make(map[*session.Exchange]*session.Exchange, len(a.Pairs))
	for _, p := range a.Pairs {
		partner[p.Left] = p.Right
	}
	if opts.Reference == ReferenceSecond {
		ref, other = other, ref
		unmatchedRef, unmatchedOther = unmatchedOther, unmatchedRef
		swapped := make(map[*session.Exchange]*session.Exchange, len(partner))
		for l, r := range partner {
			swapped[r] = l
		}
		partner = swapped
	}

	missing := make(map[*session.Exchange]bool, len(unmatchedRef))
	for _, ex := range unmatchedRef {
		missing[ex] = true
	}

	refRank, otherRank := ranks(ref, partner), ranks(other, inverse(partner))

	r := &Report{
		Reference:       opts.Reference,
		ReferenceSource: ref.Source,
		OtherSource:     other.Source,
	}
	for _, ex := range ref.Exchanges {
		if missing[ex] {
			r.Divergences = append(r.Divergences, Divergence{
				Category:  CategoryMissingOnSide,
				Severity:  unmatchedSeverity(ex),
				Kind:      ex.Kind,
				Reference: ex,
			})
			continue
		}
		o, ok := partner[ex]
		if !ok {
			continue
		}
		r.Divergences = append(r.Divergences, comparePair(ex, o, opts)...)
		if d := refRank[ex] - otherRank[o]; d > opts.OrderingTolerance || -d > opts.OrderingTolerance {
			r.Divergences = append(r.Divergences, Divergence{
				Category:       CategoryOrderingMismatch,
				Severity:       SeverityBehavioral,
				Kind:           ex.Kind,
				Reference:      ex,
				Other:          o,
				ReferenceValue: refRank[ex],
				OtherValue:     otherRank[o],
			})
		}
	}
	for _, ex := range unmatchedOther {
		r.Divergences = append(r.Divergences, Divergence{
			Category: CategoryExtraOnSide,
			Severity: unmatchedSeverity(ex),
			Kind:     ex.Kind,
			Other:    ex,
		})
	}

	r.Summary = summarize(r.Divergences)
	r.Unresolved, r.Summary.SharedUnresolved = unresolvedEntries(ref, other, partner)
	return r
}

func inverse(m map[*session.Exchange]*session.Exchange) map[*session.Exchange]*session.Exchange {
	out := make(map[*session.Exchange]*session.Exchange, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// ranks numbers the matched exchanges of a trace in trace order.
func ranks(t *session.Trace, matched map[*session.Exchange]*session.Exchange) map[*session.Exchange]int {
	out := make(map[*session.Exchange]int, len(matched))
	n := 0
	for _, ex := range t.Exchanges {
		if _, ok := matched[ex]; ok {
			out[ex] = n
			n++
		}
	}
	return out
}

func comparePair(ref, other *session.Exchange, opts Options) []Divergence {
	var out []Divergence
	mismatch := func(field string, sev Severity, rv, ov any) {
		out = append(out, Divergence{
			Category:       CategoryFieldMismatch,
			Severity:       sev,
			Kind:           ref.Kind,
			Field:          field,
			Reference:      ref,
			Other:          other,
			ReferenceValue: rv,
			OtherValue:     ov,
		})
	}

	if ref.Outcome != other.Outcome {
		out = append(out, Divergence{
			Category:       CategoryOutcomeMismatch,
			Severity:       SeverityBehavioral,
			Kind:           ref.Kind,
			Field:          "outcome",
			Reference:      ref,
			Other:          other,
			ReferenceValue: ref.Outcome,
			OtherValue:     other.Outcome,
		})
	}

	consumed := make(map[string]bool)
	for _, f := range align.FingerprintFields(ref) {
		consumed[f] = true
	}
	for _, rl := range rulesFor(ref) {
		if consumed[rl.field] {
			continue
		}
		rv, rok := ref.Fields[rl.field]
		ov, ook := other.Fields[rl.field]
		if !rok && !ook {
			continue
		}
		if sectionFields[rl.field] {
			compareSection(rl, rv, ov, mismatch)
			continue
		}
		if !equal(rv, ov) {
			mismatch(rl.field, rl.severity, rv, ov)
		}
	}

	if opts.TimingTolerance > 0 {
		rd, od := ref.Duration(), other.Duration()
		if d := rd - od; d > opts.TimingTolerance || -d > opts.TimingTolerance {
			mismatch("duration", SeverityInformational, rd.String(), od.String())
		}
	}
	return out
}

// compareSection diffs a message section map key by key, ignoring keys that
// change on every send. A section present on only one side is one mismatch.
func compareSection(rl rule, rv, ov any, mismatch func(string, Severity, any, any)) {
	rm, rok := stripVolatile(rv).(map[string]any)
	om, ook := stripVolatile(ov).(map[string]any)
	if !rok || !ook {
		if !(isEmpty(rv) && isEmpty(ov)) && !equal(stripVolatile(rv), stripVolatile(ov)) {
			mismatch(rl.field, rl.severity, rv, ov)
		}
		return
	}
	for _, k := range fieldNames(rm, om) {
		a, b := rm[k], om[k]
		if !equal(a, b) {
			mismatch(rl.field+"."+k, rl.severity, a, b)
		}
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	m, ok := stripVolatile(v).(map[string]any)
	return ok && len(m) == 0
}

func summarize(divs []Divergence) Summary {
	s := Summary{
		Total:      len(divs),
		ByCategory: make(map[Category]int, len(Categories)),
		BySeverity: make(map[Severity]int, len(Severities)),
	}
	for _, c := range Categories {
		s.ByCategory[c] = 0
	}
	for _, sev := range Severities {
		s.BySeverity[sev] = 0
	}
	for _, d := range divs {
		s.ByCategory[d.Category]++
		s.BySeverity[d.Severity]++
	}
	return s
}

// unresolvedEntries lists the unresolved exchanges of both traces. A matched
// pair that is unresolved on both sides agrees and is only counted.
func unresolvedEntries(ref, other *session.Trace, partner map[*session.Exchange]*session.Exchange) ([]Unresolved, int) {
	refList, otherList := unresolved(ref), unresolved(other)
	open := make(map[*session.Exchange]bool, len(refList)+len(otherList))
	for _, u := range append(refList, otherList...) {
		open[u.Exchange] = true
	}

	shared := make(map[*session.Exchange]bool)
	for r, o := range partner {
		if open[r] && open[o] {
			shared[r], shared[o] = true, true
		}
	}

	var out []Unresolved
	for _, u := range append(refList, otherList...) {
		if !shared[u.Exchange] {
			out = append(out, u)
		}
	}
	return out, len(shared) / 2
}

func unresolved(t *session.Trace) []Unresolved {
	errs := make(map[string]*session.UnresolvedCorrelationError, len(t.Unresolved))
	for _, e := range t.Unresolved {
		errs[e.Exchange] = e
	}
	var out []Unresolved
	for _, ex := range t.UnresolvedExchanges() {
		out = append(out, Unresolved{Source: t.Source, Exchange: ex, Err: errs[ex.ID]})
	}
	return out
}
