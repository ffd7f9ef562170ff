// Package report renders a diff report as the stable JSON document.
package report

import (
	"time"

	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
)

// SchemaVersion changes only when a field is removed or retyped. New fields
// are added without bumping it.
const SchemaVersion = 1

// Narrative statuses.
const (
	NarrativeNotRequested = "not-requested"
	NarrativeOK           = "ok"
	NarrativeUnavailable  = "unavailable"
)

type Document struct {
	SchemaVersion   int          `json:"schemaVersion"`
	RunID           string       `json:"runId,omitempty"`
	Reference       string       `json:"reference"`
	Sources         Sources      `json:"sources"`
	Summary         Summary      `json:"summary"`
	Divergences     []Divergence `json:"divergences"`
	Unresolved      []Unresolved `json:"unresolved"`
	Narrative       string       `json:"narrative,omitempty"`
	NarrativeStatus string       `json:"narrativeStatus"`
	NarrativeError  string       `json:"narrativeError,omitempty"`
}

type Sources struct {
	Reference string `json:"reference"`
	Other     string `json:"other"`
}

type Summary struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"byCategory"`
	BySeverity map[string]int `json:"bySeverity"`
	// SharedUnresolved counts exchange pairs unresolved in both traces. They
	// are not listed under unresolved.
	SharedUnresolved int `json:"sharedUnresolved"`
}

// ExchangeRef locates an exchange in its source log.
type ExchangeRef struct {
	Source  string `json:"source"`
	ID      string `json:"id"`
	Seq     int64  `json:"seq"`
	Line    int    `json:"line"`
	Start   string `json:"start"`
	Outcome string `json:"outcome"`
}

type Divergence struct {
	Category       string       `json:"category"`
	Severity       string       `json:"severity"`
	Kind           string       `json:"kind"`
	Field          string       `json:"field,omitempty"`
	Reference      *ExchangeRef `json:"reference,omitempty"`
	Other          *ExchangeRef `json:"other,omitempty"`
	ReferenceValue any          `json:"referenceValue,omitempty"`
	OtherValue     any          `json:"otherValue,omitempty"`
}

type Unresolved struct {
	Exchange ExchangeRef `json:"exchange"`
	Kind     string      `json:"kind"`
	Reason   string      `json:"reason"`
}

func ref(source string, ex *session.Exchange) *ExchangeRef {
	if ex == nil {
		return nil
	}
	r := &ExchangeRef{
		Source:  source,
		ID:      ex.ID,
		Seq:     ex.Seq,
		Start:   ex.Start.UTC().Format(time.RFC3339Nano),
		Outcome: ex.Outcome,
	}
	if len(ex.Records) > 0 {
		r.Line = ex.Records[0].Line
	}
	return r
}

// Build converts a report into its document form. Lists are never nil so
// they always serialize as arrays.
func Build(r *diff.Report) *Document {
	doc := &Document{
		SchemaVersion:   SchemaVersion,
		Reference:       string(r.Reference),
		Sources:         Sources{Reference: r.ReferenceSource, Other: r.OtherSource},
		Divergences:     make([]Divergence, 0, len(r.Divergences)),
		Unresolved:      make([]Unresolved, 0, len(r.Unresolved)),
		NarrativeStatus: NarrativeNotRequested,
		Summary: Summary{
			Total:            r.Summary.Total,
			SharedUnresolved: r.Summary.SharedUnresolved,
			ByCategory:       make(map[string]int, len(diff.Categories)),
			BySeverity:       make(map[string]int, len(diff.Severities)),
		},
	}
	for _, c := range diff.Categories {
		doc.Summary.ByCategory[string(c)] = r.Summary.ByCategory[c]
	}
	for _, s := range diff.Severities {
		doc.Summary.BySeverity[string(s)] = r.Summary.BySeverity[s]
	}

	for _, d := range r.Divergences {
		doc.Divergences = append(doc.Divergences, Divergence{
			Category:       string(d.Category),
			Severity:       string(d.Severity),
			Kind:           string(d.Kind),
			Field:          d.Field,
			Reference:      ref(r.ReferenceSource, d.Reference),
			Other:          ref(r.OtherSource, d.Other),
			ReferenceValue: d.ReferenceValue,
			OtherValue:     d.OtherValue,
		})
	}

	for _, u := range r.Unresolved {
		entry := Unresolved{
			Exchange: *ref(u.Source, u.Exchange),
			Kind:     string(u.Exchange.Kind),
			Reason:   "no terminal disposition within the quiescence window",
		}
		if u.Err != nil {
			entry.Reason = u.Err.Error()
		}
		doc.Unresolved = append(doc.Unresolved, entry)
	}
	return doc
}
