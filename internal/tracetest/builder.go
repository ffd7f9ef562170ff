// Package tracetest builds synthetic traffic logs for tests.
package tracetest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

// Epoch is the wall-clock time the first built record is stamped with.
var Epoch = time.Date(2025, 1, 17, 19, 56, 3, 0, time.UTC)

// Builder appends records with a clock that advances one millisecond per
// record unless moved explicitly.
type Builder struct {
	source  string
	now     time.Time
	step    time.Duration
	seq     int64
	records []trace.Record
}

func New(source string) *Builder {
	return &Builder{source: source, now: Epoch.Add(-time.Millisecond), step: time.Millisecond}
}

// At moves the clock to Epoch+offset for the next record.
func (b *Builder) At(offset time.Duration) *Builder {
	b.now = Epoch.Add(offset).Add(-b.step)
	return b
}

// Shift moves the clock forward (or backward) by d.
func (b *Builder) Shift(d time.Duration) *Builder {
	b.now = b.now.Add(d)
	return b
}

func (b *Builder) add(dir trace.Direction, kind trace.FrameKind, channel uint16, fields map[string]any) *Builder {
	b.seq++
	b.now = b.now.Add(b.step)
	if fields == nil {
		fields = map[string]any{}
	}
	b.records = append(b.records, trace.Record{
		Seq:       b.seq,
		Line:      int(b.seq),
		Timestamp: b.now,
		Direction: dir,
		Kind:      kind,
		Channel:   channel,
		Fields:    fields,
	})
	return b
}

// Client appends a frame sent by the client.
func (b *Builder) Client(kind trace.FrameKind, channel uint16, fields map[string]any) *Builder {
	return b.add(trace.DirectionClientToProxy, kind, channel, fields)
}

// Server appends a frame sent by the service.
func (b *Builder) Server(kind trace.FrameKind, channel uint16, fields map[string]any) *Builder {
	return b.add(trace.DirectionProxyToClient, kind, channel, fields)
}

func (b *Builder) Records() []trace.Record {
	out := make([]trace.Record, len(b.records))
	copy(out, b.records)
	return out
}

func (b *Builder) Log() *trace.Log {
	return &trace.Log{
		Source:  b.source,
		Records: b.Records(),
		Stats:   trace.Stats{Lines: len(b.records), Usable: len(b.records)},
	}
}

// JSONL renders the records in the canonical log line shape.
func (b *Builder) JSONL() []byte {
	var out []byte
	for _, rec := range b.records {
		line, err := json.Marshal(map[string]any{
			"seq":        rec.Seq,
			"timestamp":  rec.Timestamp.Format(time.RFC3339Nano),
			"direction":  string(rec.Direction),
			"frameKind":  string(rec.Kind),
			"channel":    rec.Channel,
			"connection": rec.Connection,
			"fields":     rec.Fields,
		})
		if err != nil {
			panic(fmt.Sprintf("tracetest: marshal record %d: %v", rec.Seq, err))
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}

// WriteFile writes the log into dir and returns its path.
func (b *Builder) WriteFile(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, b.source)
	if err := os.WriteFile(path, b.JSONL(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Message is one delivery in a send scenario.
type Message struct {
	Body    string
	Settled bool
	// State is the receiver's disposition; empty sends no disposition.
	State string
}

// SendScenario logs a full connection where the client attaches one sender
// link to address, sends msgs, and tears everything down cleanly.
func (b *Builder) SendScenario(address string, msgs ...Message) *Builder {
	link := b.source + "-sender"
	b.Client(trace.KindOpen, 0, map[string]any{"container-id": b.source, "hostname": "localhost", "max-frame-size": int64(65536)})
	b.Server(trace.KindOpen, 0, map[string]any{"container-id": "broker"})
	b.Client(trace.KindBegin, 0, map[string]any{"next-outgoing-id": int64(0), "incoming-window": int64(5000), "outgoing-window": int64(5000)})
	b.Server(trace.KindBegin, 0, map[string]any{"remote-channel": int64(0), "incoming-window": int64(5000), "outgoing-window": int64(5000)})
	b.Client(trace.KindAttach, 0, map[string]any{
		"name": link, "handle": int64(0), "role": false, "snd-settle-mode": int64(0),
		"target": map[string]any{"address": address},
	})
	b.Server(trace.KindAttach, 0, map[string]any{
		"name": link, "handle": int64(0), "role": true,
		"target": map[string]any{"address": address},
	})
	b.Server(trace.KindFlow, 0, map[string]any{"handle": int64(0), "link-credit": int64(100)})
	for i, m := range msgs {
		b.Client(trace.KindTransfer, 0, map[string]any{
			"handle": int64(0), "delivery-id": int64(i), "delivery-tag": fmt.Sprintf("%s-tag-%d", b.source, i),
			"message-format": int64(0), "settled": m.Settled, "body": m.Body,
		})
		if m.State != "" {
			b.Server(trace.KindDisposition, 0, map[string]any{
				"role": true, "first": int64(i), "last": int64(i), "settled": true, "state": m.State,
			})
		}
	}
	b.Client(trace.KindDetach, 0, map[string]any{"handle": int64(0), "closed": true})
	b.Server(trace.KindDetach, 0, map[string]any{"handle": int64(0), "closed": true})
	b.Client(trace.KindEnd, 0, nil)
	b.Server(trace.KindEnd, 0, nil)
	b.Client(trace.KindClose, 0, nil)
	b.Server(trace.KindClose, 0, nil)
	return b
}

// Accepted is shorthand for unsettled messages the receiver accepts.
func Accepted(bodies ...string) []Message {
	out := make([]Message, len(bodies))
	for i, body := range bodies {
		out[i] = Message{Body: body, State: "accepted"}
	}
	return out
}
