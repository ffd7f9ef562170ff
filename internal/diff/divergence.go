// Package diff turns an alignment into an ordered list of divergences.
package diff

import (
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
)

type Category string

const (
	CategoryMissingOnSide    Category = "missing-on-side"
	CategoryExtraOnSide      Category = "extra-on-side"
	CategoryFieldMismatch    Category = "field-mismatch"
	CategoryOrderingMismatch Category = "ordering-mismatch"
	CategoryOutcomeMismatch  Category = "outcome-mismatch"
)

// Categories lists every category in report order.
var Categories = []Category{
	CategoryMissingOnSide,
	CategoryExtraOnSide,
	CategoryFieldMismatch,
	CategoryOrderingMismatch,
	CategoryOutcomeMismatch,
}

type Severity string

const (
	SeverityInformational     Severity = "informational"
	SeverityBehavioral        Severity = "behavioral"
	SeverityProtocolViolation Severity = "protocol-violation"
)

var Severities = []Severity{SeverityInformational, SeverityBehavioral, SeverityProtocolViolation}

func (s Severity) rank() int {
	switch s {
	case SeverityInformational:
		return 1
	case SeverityBehavioral:
		return 2
	case SeverityProtocolViolation:
		return 3
	}
	return 0
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities {
		if string(sev) == s {
			return sev, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Reference names the trace whose order the report follows.
type Reference string

const (
	ReferenceFirst  Reference = "first-source"
	ReferenceSecond Reference = "second-source"
)

func ParseReference(s string) (Reference, error) {
	switch Reference(s) {
	case ReferenceFirst, "":
		return ReferenceFirst, nil
	case ReferenceSecond:
		return ReferenceSecond, nil
	}
	return "", fmt.Errorf("unknown reference %q (want %s or %s)", s, ReferenceFirst, ReferenceSecond)
}

// Divergence is one difference between the traces. Reference and Other are
// the exchanges on each side; one of them is nil for missing and extra
// exchanges.
type Divergence struct {
	Category       Category
	Severity       Severity
	Kind           session.Kind
	Field          string
	Reference      *session.Exchange
	Other          *session.Exchange
	ReferenceValue any
	OtherValue     any
}

type Summary struct {
	Total      int
	ByCategory map[Category]int
	BySeverity map[Severity]int
	// SharedUnresolved counts matched pairs left unresolved in both traces.
	SharedUnresolved int
}

// Unresolved is an exchange the reconstructor could not fully correlate. Err
// is set when the exchange was built from an orphaned terminator.
type Unresolved struct {
	Source   string
	Exchange *session.Exchange
	Err      *session.UnresolvedCorrelationError
}

// Report is the immutable result of one comparison.
type Report struct {
	Reference       Reference
	ReferenceSource string
	OtherSource     string
	Divergences     []Divergence
	Summary         Summary
	Unresolved      []Unresolved
}

// Worst returns the most severe divergence severity, or "" when there are
// none.
func (r *Report) Worst() Severity {
	var worst Severity
	for _, d := range r.Divergences {
		if d.Severity.rank() > worst.rank() {
			worst = d.Severity
		}
	}
	return worst
}

type Options struct {
	// OrderingTolerance is how many positions a matched pair's ranks may
	// differ before an ordering mismatch is raised.
	OrderingTolerance int
	Reference         Reference
	// TimingTolerance bounds the exchange duration difference reported as
	// informational. Zero disables duration comparison.
	TimingTolerance time.Duration
}
