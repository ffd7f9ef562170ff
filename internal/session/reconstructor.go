package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gohugoio/hashstructure"

	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

// DefaultQuiescenceWindow bounds how far apart (in logged wall-clock time) a
// terminator and its opener may be and still be correlated.
const DefaultQuiescenceWindow = 2 * time.Second

// maxRangeWalk caps how many delivery ids a disposition range is expanded to
// before falling back to scanning the open deliveries.
const maxRangeWalk = 4096

type Options struct {
	QuiescenceWindow time.Duration
	Logger           *slog.Logger
}

// state is the mutable bookkeeping behind one Exchange while it is built.
type state struct {
	ex     *Exchange
	order  int
	opened map[trace.Side]bool
	closed map[trace.Side]bool

	// deliveries
	link       *state
	contents   []any
	moreFrames bool
	presettled bool
	aborted    bool
	settledBy  string
	expired    bool
	last       time.Time
}

func (st *state) add(rec trace.Record) {
	st.ex.Records = append(st.ex.Records, rec)
	if rec.Timestamp.After(st.last) {
		st.last = rec.Timestamp
	}
}

type sessionKey struct {
	conn    string
	side    trace.Side
	channel uint16
}

type linkKey struct {
	conn    string
	side    trace.Side
	channel uint16
	handle  uint64
}

type linkName struct {
	conn string
	name string
}

// deliveryKey identifies a delivery by its sender's session. When the
// session's begin was never logged the sender's channel stands in for it.
type deliveryKey struct {
	conn    string
	sender  trace.Side
	session *state
	channel uint16
	id      uint64
}

type orphan struct {
	rec  trace.Record
	key  any
	used bool
	// disposition range
	sender  trace.Side
	session *state
	channel uint16
	first   uint64
	last    uint64
}

// Reconstructor groups one source's records into exchanges. Feed it records
// in log order with Add, then call Finish once.
type Reconstructor struct {
	source string
	window time.Duration
	logger *slog.Logger

	states       []*state
	conns        map[string]*state
	sessions     map[sessionKey]*state
	links        map[linkKey]*state
	linksByName  map[linkName]*state
	deliveries   map[deliveryKey]*state
	lastDelivery map[linkKey]uint64
	orphans      []*orphan
	start        time.Time
	finished     bool
}

func NewReconstructor(source string, opts Options) *Reconstructor {
	window := opts.QuiescenceWindow
	if window <= 0 {
		window = DefaultQuiescenceWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{
		source:       source,
		window:       window,
		logger:       logger,
		conns:        make(map[string]*state),
		sessions:     make(map[sessionKey]*state),
		links:        make(map[linkKey]*state),
		linksByName:  make(map[linkName]*state),
		deliveries:   make(map[deliveryKey]*state),
		lastDelivery: make(map[linkKey]uint64),
	}
}

// Reconstruct builds a Trace from a fully loaded log.
func Reconstruct(log *trace.Log, opts Options) *Trace {
	r := NewReconstructor(log.Source, opts)
	for _, rec := range log.Records {
		r.Add(rec)
	}
	return r.Finish()
}

func (r *Reconstructor) newState(kind Kind, rec trace.Record) *state {
	st := &state{
		ex: &Exchange{
			Kind:   kind,
			Seq:    rec.Seq,
			Fields: map[string]any{},
		},
		order:  len(r.states),
		opened: map[trace.Side]bool{},
		closed: map[trace.Side]bool{},
	}
	r.states = append(r.states, st)
	return st
}

func (r *Reconstructor) within(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= r.window
}

// Add consumes the next record.
func (r *Reconstructor) Add(rec trace.Record) {
	if r.start.IsZero() || rec.Timestamp.Before(r.start) {
		r.start = rec.Timestamp
	}

	switch rec.Kind {
	case trace.KindOpen:
		r.open(rec)
	case trace.KindClose:
		r.closeConn(rec)
	case trace.KindBegin:
		r.begin(rec)
	case trace.KindEnd:
		r.end(rec)
	case trace.KindAttach:
		r.attach(rec)
	case trace.KindDetach:
		r.detach(rec)
	case trace.KindFlow:
		r.flow(rec)
	case trace.KindTransfer:
		r.transfer(rec)
	case trace.KindDisposition:
		r.disposition(rec)
	case trace.KindError:
		st := r.newState(KindError, rec)
		st.add(rec)
		if c := errorCondition(rec); c != "" {
			st.ex.Fields["condition"] = c
		}
		copyFields(st.ex.Fields, rec, "description")
	}
}

func connKey(conn string) string { return "connection|" + conn }

func (r *Reconstructor) open(rec trace.Record) {
	side := rec.Side()
	st := r.conns[rec.Connection]
	if st == nil || st.closed[side] || st.opened[side] {
		st = r.newState(KindConnection, rec)
		r.conns[rec.Connection] = st
	}
	st.opened[side] = true
	st.add(rec)
	if side != trace.SideServer {
		copyFields(st.ex.Fields, rec, "hostname", "max-frame-size", "channel-max", "idle-time-out",
			"offered-capabilities", "desired-capabilities")
	}
	r.adoptOrphans(connKey(rec.Connection), st, rec)
}

func (r *Reconstructor) closeConn(rec trace.Record) {
	st := r.conns[rec.Connection]
	if st == nil {
		r.bufferOrphan(rec, connKey(rec.Connection))
		return
	}
	r.terminate(st, rec)
}

// terminate applies a close, end or detach to a lifecycle exchange.
func (r *Reconstructor) terminate(st *state, rec trace.Record) {
	side := rec.Side()
	st.add(rec)
	if _, set := st.ex.Fields["closed-by"]; !set {
		st.ex.Fields["closed-by"] = string(side)
	}
	st.closed[side] = true
	if c := errorCondition(rec); c != "" {
		if _, set := st.ex.Fields["error-condition"]; !set {
			st.ex.Fields["error-condition"] = c
		}
	}
}

func sessKeyString(k sessionKey) string {
	return fmt.Sprintf("session|%s|%s|%d", k.conn, k.side, k.channel)
}

func (r *Reconstructor) begin(rec trace.Record) {
	side := rec.Side()
	key := sessionKey{rec.Connection, side, rec.Channel}

	var st *state
	if remote, ok := rec.Uint("remote-channel"); ok {
		peer := r.sessions[sessionKey{rec.Connection, side.Opposite(), uint16(remote)}]
		if peer != nil && !peer.opened[side] && !peer.closed[side] {
			st = peer
		}
	} else if peer := r.sessions[sessionKey{rec.Connection, side.Opposite(), rec.Channel}]; peer != nil &&
		!peer.opened[side] && !peer.closed[side] && !peer.closed[side.Opposite()] {
		st = peer
	}
	if st == nil {
		st = r.newState(KindSession, rec)
	}
	r.sessions[key] = st
	st.opened[side] = true
	st.add(rec)
	if side != trace.SideServer {
		copyFields(st.ex.Fields, rec, "incoming-window", "outgoing-window", "handle-max")
	}
	r.adoptOrphans(sessKeyString(key), st, rec)
}

func (r *Reconstructor) end(rec trace.Record) {
	key := sessionKey{rec.Connection, rec.Side(), rec.Channel}
	st := r.sessions[key]
	if st == nil || st.closed[rec.Side()] {
		r.bufferOrphan(rec, sessKeyString(key))
		return
	}
	r.terminate(st, rec)
}

func linkKeyString(k linkKey) string {
	return fmt.Sprintf("link|%s|%s|%d|%d", k.conn, k.side, k.channel, k.handle)
}

func (r *Reconstructor) attach(rec trace.Record) {
	side := rec.Side()
	handle, _ := rec.Uint("handle")
	key := linkKey{rec.Connection, side, rec.Channel, handle}
	name, _ := rec.String("name")
	if name == "" {
		name, _ = rec.String("link-name")
	}

	var st *state
	if name != "" {
		if peer := r.linksByName[linkName{rec.Connection, name}]; peer != nil &&
			!peer.opened[side] && !peer.closed[side] && !peer.closed[side.Opposite()] {
			st = peer
		}
	}
	if st == nil {
		st = r.newState(KindLink, rec)
		if name != "" {
			r.linksByName[linkName{rec.Connection, name}] = st
		}
	}
	r.links[key] = st
	st.opened[side] = true
	st.add(rec)

	receiver, _ := rec.Bool("role")
	if side == trace.SideServer {
		// the client's role is the opposite of the server's
		receiver = !receiver
	}
	f := st.ex.Fields
	if _, set := f["role"]; !set {
		f["role"] = roleName(receiver)
	}
	if _, set := f["address"]; !set {
		terminus := "target"
		if f["role"] == "receiver" {
			terminus = "source"
		}
		addr := address(rec, terminus)
		if addr == "" {
			addr, _ = rec.String("entity-path")
		}
		if addr == "" {
			addr, _ = rec.String("address")
		}
		if addr != "" {
			f["address"] = addr
		}
	}
	if side != trace.SideServer {
		copyFields(f, rec, "snd-settle-mode", "rcv-settle-mode", "max-message-size", "initial-delivery-count")
	}
	r.adoptOrphans(linkKeyString(key), st, rec)
}

func (r *Reconstructor) detach(rec trace.Record) {
	handle, _ := rec.Uint("handle")
	key := linkKey{rec.Connection, rec.Side(), rec.Channel, handle}
	st := r.links[key]
	if st == nil || st.closed[rec.Side()] {
		r.bufferOrphan(rec, linkKeyString(key))
		return
	}
	r.terminate(st, rec)
}

// flow frames belong to their link, or to the session when they carry no
// handle. Flows are not terminators, so an unknown target just drops them.
func (r *Reconstructor) flow(rec trace.Record) {
	if handle, ok := rec.Uint("handle"); ok {
		if st := r.links[linkKey{rec.Connection, rec.Side(), rec.Channel, handle}]; st != nil {
			st.add(rec)
			return
		}
	}
	if st := r.sessions[sessionKey{rec.Connection, rec.Side(), rec.Channel}]; st != nil {
		st.add(rec)
		return
	}
	r.logger.Debug("dropping uncorrelated flow", "source", r.source, "line", rec.Line)
}

func (r *Reconstructor) deliveryKeyFor(conn string, sender trace.Side, frameSide trace.Side, channel uint16, id uint64) deliveryKey {
	k := deliveryKey{conn: conn, sender: sender, id: id}
	if sess := r.sessions[sessionKey{conn, frameSide, channel}]; sess != nil {
		k.session = sess
	} else {
		k.channel = channel
	}
	return k
}

func (r *Reconstructor) transfer(rec trace.Record) {
	side := rec.Side()
	handle, _ := rec.Uint("handle")
	lk := linkKey{rec.Connection, side, rec.Channel, handle}

	id, ok := rec.Uint("delivery-id")
	if !ok {
		// continuation frames of a multi-frame delivery may omit the id
		id, ok = r.lastDelivery[lk]
	}

	var st *state
	var key deliveryKey
	if ok {
		key = r.deliveryKeyFor(rec.Connection, side, side, rec.Channel, id)
		if cur := r.deliveries[key]; cur != nil && cur.moreFrames {
			st = cur
		}
	}
	if st == nil {
		st = r.newState(KindDelivery, rec)
		st.link = r.links[lk]
		f := st.ex.Fields
		if side == trace.SideServer {
			f["direction"] = "receive"
		} else {
			f["direction"] = "send"
		}
		if st.link != nil {
			if addr, ok := st.link.ex.Fields["address"]; ok {
				f["address"] = addr
			}
		}
		f["message-format"] = int64(0)
		if mf, ok := rec.Uint("message-format"); ok {
			f["message-format"] = int64(mf)
		}
		settled, _ := rec.Bool("settled")
		f["settled"] = settled
		copyFields(f, rec, "rcv-settle-mode", "message-header", "message-properties",
			"application-properties", "message-annotations")
		f["frames"] = int64(0)
		if ok {
			r.deliveries[key] = st
			r.lastDelivery[lk] = id
		} else {
			r.logger.Warn("transfer without delivery id", "source", r.source, "line", rec.Line)
		}
	}

	st.add(rec)
	st.ex.Fields["frames"] = st.ex.Fields["frames"].(int64) + 1
	if c, ok := content(rec); ok {
		st.contents = append(st.contents, c)
	}
	more, _ := rec.Bool("more")
	st.moreFrames = more
	if settled, _ := rec.Bool("settled"); settled {
		st.presettled = true
	}
	if aborted, _ := rec.Bool("aborted"); aborted {
		st.aborted = true
		st.ex.Fields["aborted"] = true
		st.moreFrames = false
	}

	if ok {
		r.adoptDispositions(key, st, rec)
	}
}

// dispositionSender resolves which peer sent the deliveries a disposition
// refers to: role=true (receiver) settles the other peer's deliveries.
func dispositionSender(rec trace.Record) trace.Side {
	side := rec.Side()
	if receiver, ok := rec.Bool("role"); ok && !receiver {
		return side
	}
	return side.Opposite()
}

func (r *Reconstructor) disposition(rec trace.Record) {
	first, ok := rec.Uint("first")
	if !ok {
		r.bufferOrphan(rec, nil)
		return
	}
	last, ok := rec.Uint("last")
	if !ok || last < first {
		last = first
	}

	sender := dispositionSender(rec)
	probe := r.deliveryKeyFor(rec.Connection, sender, rec.Side(), rec.Channel, first)

	matched := 0
	missing := false
	visit := func(st *state) {
		if r.settle(st, rec) {
			matched++
		} else {
			missing = true
		}
	}
	if last-first < maxRangeWalk {
		for id := first; ; id++ {
			probe.id = id
			if st := r.deliveries[probe]; st != nil {
				visit(st)
			} else {
				missing = true
			}
			if id == last {
				break
			}
		}
	} else {
		// settling one delivery never affects another, so map order is irrelevant
		missing = true
		for k, st := range r.deliveries {
			if k.conn == probe.conn && k.sender == probe.sender && k.session == probe.session &&
				k.channel == probe.channel && k.id >= first && k.id <= last {
				visit(st)
			}
		}
	}

	if matched == 0 || missing {
		o := &orphan{
			rec:     rec,
			used:    matched > 0,
			sender:  sender,
			session: probe.session,
			channel: probe.channel,
			first:   first,
			last:    last,
		}
		r.orphans = append(r.orphans, o)
	}
}

// settle applies a disposition to a delivery. It fails when the delivery has
// been quiet for longer than the window, which expires it.
func (r *Reconstructor) settle(st *state, rec trace.Record) bool {
	if st.expired {
		return false
	}
	if !r.within(rec.Timestamp, st.last) {
		st.expired = true
		return false
	}
	st.add(rec)
	if s := deliveryState(rec); s != "" {
		if terminalState(s) || st.settledBy == "" {
			st.settledBy = s
		}
		if s == "rejected" {
			if c := errorCondition(rec); c != "" {
				st.ex.Fields["error-condition"] = c
			} else if v, ok := rec.Field("state"); ok {
				if m, ok := v.(map[string]any); ok {
					if c := findCondition(m, 3); c != "" {
						st.ex.Fields["error-condition"] = c
					}
				}
			}
		}
	}
	if settled, ok := rec.Bool("settled"); ok {
		st.ex.Fields["disposition-settled"] = settled
	}
	return true
}

// adoptDispositions attaches buffered dispositions that arrived before this
// delivery's transfer.
func (r *Reconstructor) adoptDispositions(key deliveryKey, st *state, rec trace.Record) {
	for _, o := range r.orphans {
		if o.rec.Kind != trace.KindDisposition || o.sender != key.sender || o.rec.Connection != key.conn {
			continue
		}
		if o.session != key.session || o.channel != key.channel {
			continue
		}
		if key.id < o.first || key.id > o.last || !r.within(o.rec.Timestamp, rec.Timestamp) {
			continue
		}
		if r.settle(st, o.rec) {
			o.used = true
		}
	}
}

func (r *Reconstructor) bufferOrphan(rec trace.Record, key any) {
	r.orphans = append(r.orphans, &orphan{rec: rec, key: key})
}

// adoptOrphans attaches terminators logged before their opener.
func (r *Reconstructor) adoptOrphans(key string, st *state, rec trace.Record) {
	for _, o := range r.orphans {
		if o.used || o.key != key || !r.within(o.rec.Timestamp, rec.Timestamp) {
			continue
		}
		o.used = true
		r.terminate(st, o.rec)
	}
}

// Finish seals every exchange and returns the Trace. Orphans that never found
// an opener become minimal unresolved exchanges.
func (r *Reconstructor) Finish() *Trace {
	if r.finished {
		panic("session: Finish called twice")
	}
	r.finished = true

	for _, o := range r.orphans {
		if o.used {
			continue
		}
		st := r.newState(orphanKind(o.rec.Kind), o.rec)
		st.ex.Orphan = true
		st.add(o.rec)
		st.ex.Fields["frame-kind"] = string(o.rec.Kind)
		if c := errorCondition(o.rec); c != "" {
			st.ex.Fields["error-condition"] = c
		}
		if s := deliveryState(o.rec); s != "" {
			st.ex.Fields["state"] = s
		}
	}

	sort.SliceStable(r.states, func(i, j int) bool {
		a, b := r.states[i], r.states[j]
		if a.ex.Seq != b.ex.Seq {
			return a.ex.Seq < b.ex.Seq
		}
		return a.order < b.order
	})

	t := &Trace{Source: r.source, Start: r.start}
	counters := map[Kind]int{}
	for i, st := range r.states {
		ex := st.ex
		counters[ex.Kind]++
		ex.ID = fmt.Sprintf("%s-%d", ex.Kind, counters[ex.Kind])
		ex.Index = i
		sort.SliceStable(ex.Records, func(a, b int) bool { return ex.Records[a].Seq < ex.Records[b].Seq })
		ex.Start, ex.End = ex.Records[0].Timestamp, ex.Records[0].Timestamp
		for _, rec := range ex.Records[1:] {
			if rec.Timestamp.Before(ex.Start) {
				ex.Start = rec.Timestamp
			}
			if rec.Timestamp.After(ex.End) {
				ex.End = rec.Timestamp
			}
		}
		if ex.Kind == KindDelivery && !ex.Orphan {
			ex.Fields["content-hash"] = contentHash(st.contents)
		}
		ex.Outcome = r.outcome(st)
		t.Exchanges = append(t.Exchanges, ex)

		if ex.Orphan {
			rec := ex.Records[0]
			uc := &UnresolvedCorrelationError{
				Source:   r.source,
				Line:     rec.Line,
				Seq:      rec.Seq,
				Kind:     rec.Kind,
				Exchange: ex.ID,
				Reason:   "no opener within the quiescence window",
			}
			t.Unresolved = append(t.Unresolved, uc)
			r.logger.Warn("unresolved correlation", "source", r.source, "line", rec.Line, "kind", rec.Kind)
		}
	}
	return t
}

func orphanKind(k trace.FrameKind) Kind {
	switch k {
	case trace.KindClose:
		return KindConnection
	case trace.KindEnd:
		return KindSession
	case trace.KindDetach:
		return KindLink
	}
	return KindDelivery
}

func (r *Reconstructor) outcome(st *state) string {
	ex := st.ex
	if ex.Orphan {
		return OutcomeUnresolved
	}
	switch ex.Kind {
	case KindError:
		return OutcomeError
	case KindDelivery:
		switch {
		case st.aborted:
			return OutcomeAborted
		case terminalState(st.settledBy):
			return st.settledBy
		case st.presettled && !st.moreFrames:
			return OutcomePresettled
		}
		return OutcomeUnresolved
	}
	if len(st.closed) == 0 {
		return OutcomeOpen
	}
	if _, failed := ex.Fields["error-condition"]; failed {
		return OutcomeError
	}
	return OutcomeClosed
}

// contentHash hashes the message content of every frame of a delivery so
// that two implementations' deliveries of the same message compare equal
// regardless of how they split it into frames.
func contentHash(contents []any) string {
	if len(contents) == 0 {
		return ""
	}
	var v any = contents
	if joined, ok := joinContent(contents); ok {
		v = joined
	} else if len(contents) == 1 {
		v = contents[0]
	}
	h, err := hashstructure.Hash(v, nil)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", h)
}

// joinContent concatenates string frame contents so the split points do not
// leak into the hash.
func joinContent(contents []any) (string, bool) {
	var b strings.Builder
	for _, c := range contents {
		s, ok := c.(string)
		if !ok {
			return "", false
		}
		b.WriteString(s)
	}
	return b.String(), true
}
