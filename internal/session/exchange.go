package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

// Kind is the logical protocol interaction an Exchange represents.
type Kind string

const (
	KindConnection Kind = "connection"
	KindSession    Kind = "session"
	KindLink       Kind = "link"
	KindDelivery   Kind = "delivery"
	KindError      Kind = "error"
)

// Outcomes. Deliveries otherwise carry their disposition state name
// (accepted, rejected, released, modified, received).
const (
	OutcomeOpen       = "open"
	OutcomeClosed     = "closed"
	OutcomeError      = "error"
	OutcomePresettled = "presettled"
	OutcomeAborted    = "aborted"
	OutcomeUnresolved = "unresolved"
)

// Exchange is a group of records sharing a correlation key, e.g. every
// transfer of one delivery plus its disposition. It is read-only once the
// Trace that holds it is returned.
type Exchange struct {
	ID      string
	Kind    Kind
	Index   int   // position within Trace.Exchanges
	Seq     int64 // sequence number of the record that opened it
	Start   time.Time
	End     time.Time
	Records []trace.Record
	Outcome string
	// Fields are the derived summary values the aligner and differ read.
	Fields map[string]any
	// Orphan marks a minimal exchange built from a terminator whose opener
	// never appeared.
	Orphan bool
}

func (e *Exchange) Duration() time.Duration { return e.End.Sub(e.Start) }

func (e *Exchange) Unresolved() bool { return e.Outcome == OutcomeUnresolved }

// ErrUnresolvedCorrelation marks a terminator that never found its opener.
var ErrUnresolvedCorrelation = errors.New("unresolved correlation")

type UnresolvedCorrelationError struct {
	Source   string
	Line     int
	Seq      int64
	Kind     trace.FrameKind
	Exchange string
	Reason   string
}

func (e *UnresolvedCorrelationError) Error() string {
	return fmt.Sprintf("%s:%d: unresolved correlation: %s %s", e.Source, e.Line, e.Kind, e.Reason)
}

func (e *UnresolvedCorrelationError) Unwrap() error { return ErrUnresolvedCorrelation }

// Trace is every exchange reconstructed from one source log, in the order
// their opening records were logged.
type Trace struct {
	Source     string
	Start      time.Time
	Exchanges  []*Exchange
	Unresolved []*UnresolvedCorrelationError
}

// UnresolvedExchanges returns the exchanges that could not be fully
// correlated: orphaned terminators and deliveries that never settled.
func (t *Trace) UnresolvedExchanges() []*Exchange {
	var out []*Exchange
	for _, ex := range t.Exchanges {
		if ex.Unresolved() {
			out = append(out, ex)
		}
	}
	return out
}

// Offset is the exchange's start relative to the first record of its trace.
func (t *Trace) Offset(ex *Exchange) time.Duration { return ex.Start.Sub(t.Start) }
