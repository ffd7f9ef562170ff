package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
)

// DefaultMalformedRatio is the tolerated fraction of malformed lines.
const DefaultMalformedRatio = 0.10

// maxKeptWarnings bounds how many malformed-line errors a load retains.
const maxKeptWarnings = 1000

// maxLineSize is the longest line parsed. Longer lines are skipped as malformed.
const maxLineSize = 10 * 1024 * 1024

var parserPool fastjson.ParserPool

// Options controls how a traffic log is read.
type Options struct {
	// MalformedRatio is the fraction of malformed lines above which the load
	// fails with ErrTraceUnreliable. Nil means DefaultMalformedRatio; zero
	// rejects any malformed line.
	MalformedRatio *float64
	// Leg drops records observed on the other half of the proxy.
	Leg    Leg
	Logger *slog.Logger
}

// Ratio returns a MalformedRatio value for Options.
func Ratio(f float64) *float64 { return &f }

func (o Options) ratio() float64 {
	if o.MalformedRatio == nil {
		return DefaultMalformedRatio
	}
	return *o.MalformedRatio
}

// Stats counts what a scan saw.
type Stats struct {
	Lines     int `json:"lines"`
	Blank     int `json:"blank"`
	Usable    int `json:"usable"`
	Malformed int `json:"malformed"`
	Ignored   int `json:"ignored"`
}

// MalformedRatio is malformed / (malformed + parsed). Blank lines do not count.
func (s Stats) MalformedRatio() float64 {
	n := s.Malformed + s.Usable + s.Ignored
	if n == 0 {
		return 0
	}
	return float64(s.Malformed) / float64(n)
}

// Scanner yields the records of one traffic log lazily, in file order.
// Malformed lines are skipped and kept as warnings.
type Scanner struct {
	source  string
	leg     Leg
	r       *bufio.Reader
	buf     []byte
	maxLine int
	parser  *fastjson.Parser
	closer  func() error

	rec      Record
	err      error
	stats    Stats
	warnings []*MalformedRecordError
}

// NewScanner reads records from r. source names the log in errors.
func NewScanner(r io.Reader, source string, opts Options) *Scanner {
	leg := opts.Leg
	if leg == "" {
		leg = LegAll
	}
	return &Scanner{
		source:  source,
		leg:     leg,
		r:       bufio.NewReaderSize(r, 1024*1024),
		maxLine: maxLineSize,
		parser:  parserPool.Get(),
	}
}

// OpenFile opens a traffic log, transparently decompressing .zst files.
// Re-opening the same file yields an identical record sequence.
func OpenFile(path string, opts Options) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	var r io.Reader = f
	closer := f.Close
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		r = dec
		closer = func() error {
			dec.Close()
			return f.Close()
		}
	}

	s := NewScanner(r, path, opts)
	s.closer = closer
	return s, nil
}

// Scan advances to the next usable record.
func (s *Scanner) Scan() bool {
	if s.parser == nil {
		return false
	}
	for {
		raw, tooLong, err := s.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.err = &LoadError{Source: s.source, Line: s.stats.Lines + 1, Err: fmt.Errorf("read: %w", err)}
			break
		}
		s.stats.Lines++
		if tooLong {
			s.skip(fmt.Sprintf("line exceeds %d bytes", s.maxLine))
			continue
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			s.stats.Blank++
			continue
		}

		rec, ignored, err := s.parse(line)
		if err != nil {
			s.skip(err.Error())
			continue
		}
		if ignored || !s.leg.keeps(rec.Direction) {
			s.stats.Ignored++
			continue
		}

		s.stats.Usable++
		rec.Line = s.stats.Lines
		if rec.Seq == 0 {
			rec.Seq = int64(s.stats.Usable)
		}
		s.rec = rec
		return true
	}
	parserPool.Put(s.parser)
	s.parser = nil
	return false
}

// readLine returns the next line, terminator included. Lines longer than
// maxLine are consumed and reported as tooLong.
func (s *Scanner) readLine() (line []byte, tooLong bool, err error) {
	s.buf = s.buf[:0]
	read := 0
	for {
		chunk, rerr := s.r.ReadSlice('\n')
		read += len(chunk)
		if read > s.maxLine {
			tooLong = true
			s.buf = s.buf[:0]
		} else {
			s.buf = append(s.buf, chunk...)
		}
		switch {
		case rerr == bufio.ErrBufferFull:
			continue
		case rerr == io.EOF:
			if read == 0 {
				return nil, false, io.EOF
			}
			return s.buf, tooLong, nil
		case rerr != nil:
			return nil, false, rerr
		}
		return s.buf, tooLong, nil
	}
}

func (s *Scanner) skip(reason string) {
	s.stats.Malformed++
	if len(s.warnings) < maxKeptWarnings {
		s.warnings = append(s.warnings, &MalformedRecordError{
			Source: s.source,
			Line:   s.stats.Lines,
			Reason: reason,
		})
	}
}

func (s *Scanner) Record() Record { return s.rec }

func (s *Scanner) Err() error { return s.err }

func (s *Scanner) Stats() Stats { return s.stats }

// Warnings returns the malformed lines skipped so far.
func (s *Scanner) Warnings() []*MalformedRecordError { return s.warnings }

func (s *Scanner) Close() error {
	if s.parser != nil {
		parserPool.Put(s.parser)
		s.parser = nil
	}
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *Scanner) parse(line []byte) (Record, bool, error) {
	v, err := s.parser.ParseBytes(line)
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid json: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return Record{}, false, fmt.Errorf("line is %s, not an object", v.Type())
	}
	if v.Exists("FrameType") || v.Exists("Time") {
		return parseProxyLine(v)
	}
	return parseCanonicalLine(v)
}

// parseCanonicalLine reads {"seq","timestamp","direction","frameKind","channel","connection","fields"}.
func parseCanonicalLine(v *fastjson.Value) (Record, bool, error) {
	var rec Record

	ts := v.Get("timestamp")
	if ts == nil {
		return rec, false, fmt.Errorf("missing timestamp")
	}
	t, ok := parseTimestamp(ts)
	if !ok {
		return rec, false, fmt.Errorf("unparsable timestamp %s", ts)
	}
	rec.Timestamp = t

	kindVal := v.Get("frameKind")
	if kindVal == nil || kindVal.Type() != fastjson.TypeString {
		return rec, false, fmt.Errorf("missing frameKind")
	}
	kind, ignored, ok := parseKind(string(kindVal.GetStringBytes()))
	if !ok {
		return rec, false, fmt.Errorf("unknown frameKind %q", kindVal.GetStringBytes())
	}
	rec.Kind = kind

	if f := v.Get("fields"); f != nil && f.Type() != fastjson.TypeObject && f.Type() != fastjson.TypeNull {
		return rec, false, fmt.Errorf("fields is %s, not an object", f.Type())
	}
	rec.Fields = canonicalFields(v.Get("fields"))

	rec.Direction = parseDirection(string(v.GetStringBytes("direction")))
	rec.Connection = string(v.GetStringBytes("connection"))
	rec.Seq = v.GetInt64("seq")

	if ch := v.Get("channel"); ch != nil && ch.Type() != fastjson.TypeNull {
		n, err := ch.Uint64()
		if err != nil {
			return rec, false, fmt.Errorf("invalid channel %s", ch)
		}
		if rec.Channel, err = channelNumber(n); err != nil {
			return rec, false, err
		}
	} else if n, ok := rec.Uint("channel"); ok {
		var err error
		if rec.Channel, err = channelNumber(n); err != nil {
			return rec, false, err
		}
	}
	return rec, ignored, nil
}

// parseProxyLine reads the fault-injector proxy's own log shape, where the
// frame body is nested under Frame.Body and message data under MessageData.
func parseProxyLine(v *fastjson.Value) (Record, bool, error) {
	var rec Record

	ts := v.Get("Time")
	if ts == nil {
		return rec, false, fmt.Errorf("missing Time")
	}
	t, ok := parseTimestamp(ts)
	if !ok {
		return rec, false, fmt.Errorf("unparsable Time %s", ts)
	}
	rec.Timestamp = t

	ft := v.GetStringBytes("FrameType")
	if len(ft) == 0 {
		return rec, false, fmt.Errorf("missing FrameType")
	}
	kind, ignored, ok := parseKind(string(ft))
	if !ok {
		return rec, false, fmt.Errorf("unknown FrameType %q", ft)
	}
	rec.Kind = kind

	rec.Direction = parseDirection(string(v.GetStringBytes("Direction")))
	rec.Connection = string(v.GetStringBytes("Connection"))
	if ch := v.Get("Frame", "Header", "Channel"); ch != nil && ch.Type() != fastjson.TypeNull {
		n, err := ch.Uint64()
		if err != nil {
			return rec, false, fmt.Errorf("invalid Channel %s", ch)
		}
		if rec.Channel, err = channelNumber(n); err != nil {
			return rec, false, err
		}
	}
	rec.Fields = canonicalFields(v.Get("Frame", "Body"))

	if p := v.GetStringBytes("EntityPath"); len(p) > 0 {
		rec.Fields["entity-path"] = string(p)
	}
	if n := v.GetStringBytes("LinkName"); len(n) > 0 {
		rec.Fields["link-name"] = string(n)
	}

	if msg := v.Get("MessageData", "Message"); msg != nil && msg.Type() == fastjson.TypeObject {
		for _, section := range []struct{ from, to string }{
			{"Header", "message-header"},
			{"Properties", "message-properties"},
			{"ApplicationProperties", "application-properties"},
			{"Annotations", "message-annotations"},
		} {
			if s := msg.Get(section.from); s != nil && s.Type() != fastjson.TypeNull {
				rec.Fields[section.to] = toAny(s)
			}
		}
		for _, body := range []string{"Data", "Value", "Sequence"} {
			if b := msg.Get(body); b != nil && b.Type() != fastjson.TypeNull {
				rec.Fields["body"] = toAny(b)
				break
			}
		}
	}
	return rec, ignored, nil
}

func channelNumber(n uint64) (uint16, error) {
	if n > math.MaxUint16 {
		return 0, fmt.Errorf("channel %d out of range", n)
	}
	return uint16(n), nil
}

// Log is a fully read traffic log.
type Log struct {
	Source    string
	Records   []Record
	Stats     Stats
	Malformed []*MalformedRecordError
}

// LoadFile reads a whole traffic log and applies the malformed-line and
// empty-trace thresholds.
func LoadFile(path string, opts Options) (*Log, error) {
	s, err := OpenFile(path, opts)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer s.Close()
	return drain(s, opts)
}

// Load is LoadFile for an already open stream.
func Load(r io.Reader, source string, opts Options) (*Log, error) {
	s := NewScanner(r, source, opts)
	defer s.Close()
	return drain(s, opts)
}

func drain(s *Scanner, opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	log := &Log{Source: s.source}
	for s.Scan() {
		log.Records = append(log.Records, s.Record())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	log.Stats = s.Stats()
	log.Malformed = s.Warnings()

	for _, w := range log.Malformed {
		logger.Warn("skipping malformed record", "source", w.Source, "line", w.Line, "reason", w.Reason)
	}

	if ratio := log.Stats.MalformedRatio(); ratio > opts.ratio() {
		line := 0
		if len(log.Malformed) > 0 {
			line = log.Malformed[0].Line
		}
		return nil, &LoadError{
			Source: log.Source,
			Line:   line,
			Err: fmt.Errorf("%w: %d of %d lines malformed (%.3f > %.3f)",
				ErrTraceUnreliable, log.Stats.Malformed, log.Stats.Malformed+log.Stats.Usable+log.Stats.Ignored, ratio, opts.ratio()),
		}
	}
	if len(log.Records) == 0 {
		return nil, &LoadError{Source: log.Source, Err: ErrEmptyTrace}
	}

	logger.Debug("trace loaded",
		"source", log.Source,
		"records", log.Stats.Usable,
		"malformed", log.Stats.Malformed,
		"ignored", log.Stats.Ignored,
	)
	return log, nil
}
