package trace

import (
	"strings"
	"time"
)

// FrameKind is the AMQP performative (or transport event) a record carries.
type FrameKind string

const (
	KindOpen        FrameKind = "open"
	KindBegin       FrameKind = "begin"
	KindAttach      FrameKind = "attach"
	KindFlow        FrameKind = "flow"
	KindTransfer    FrameKind = "transfer"
	KindDisposition FrameKind = "disposition"
	KindDetach      FrameKind = "detach"
	KindEnd         FrameKind = "end"
	KindClose       FrameKind = "close"
	KindError       FrameKind = "error"
)

// parseKind maps a logged frame kind to a FrameKind. ignored is true for frames
// that are valid on the wire but carry nothing worth comparing (SASL, heartbeats).
func parseKind(s string) (kind FrameKind, ignored, ok bool) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer("-", "", "_", "", " ", "").Replace(k)
	switch k {
	case "open":
		return KindOpen, false, true
	case "begin":
		return KindBegin, false, true
	case "attach":
		return KindAttach, false, true
	case "flow":
		return KindFlow, false, true
	case "transfer":
		return KindTransfer, false, true
	case "disposition":
		return KindDisposition, false, true
	case "detach":
		return KindDetach, false, true
	case "end":
		return KindEnd, false, true
	case "close":
		return KindClose, false, true
	case "error", "transporterror":
		return KindError, false, true
	case "emptyframe", "empty", "heartbeat":
		return "", true, true
	}
	if strings.HasPrefix(k, "sasl") {
		return "", true, true
	}
	return "", false, false
}

// Direction is the leg of the proxied connection a frame was observed on.
type Direction string

const (
	DirectionUnknown       Direction = ""
	DirectionClientToProxy Direction = "client-to-proxy"
	DirectionProxyToServer Direction = "proxy-to-server"
	DirectionServerToProxy Direction = "server-to-proxy"
	DirectionProxyToClient Direction = "proxy-to-client"
)

func parseDirection(s string) Direction {
	d := strings.ToLower(strings.TrimSpace(s))
	d = strings.NewReplacer("_", "-", "->", "-to-", " ", "").Replace(d)
	switch d {
	case "client-to-proxy", "out":
		return DirectionClientToProxy
	case "proxy-to-server":
		return DirectionProxyToServer
	case "server-to-proxy":
		return DirectionServerToProxy
	case "proxy-to-client", "in":
		return DirectionProxyToClient
	}
	return DirectionUnknown
}

// Side is the peer that originated a frame.
type Side string

const (
	SideUnknown Side = "unknown"
	SideClient  Side = "client"
	SideServer  Side = "server"
)

// Opposite returns the peer on the other end of the connection.
func (s Side) Opposite() Side {
	switch s {
	case SideClient:
		return SideServer
	case SideServer:
		return SideClient
	}
	return SideUnknown
}

func (d Direction) Side() Side {
	switch d {
	case DirectionClientToProxy, DirectionProxyToServer:
		return SideClient
	case DirectionServerToProxy, DirectionProxyToClient:
		return SideServer
	}
	return SideUnknown
}

// Leg selects which half of a proxied connection a log is filtered to.
type Leg string

const (
	LegAll    Leg = "all"
	LegClient Leg = "client"
	LegServer Leg = "server"
)

func (l Leg) keeps(d Direction) bool {
	switch l {
	case LegClient:
		return d != DirectionProxyToServer && d != DirectionServerToProxy
	case LegServer:
		return d != DirectionClientToProxy && d != DirectionProxyToClient
	}
	return true
}

// Record is one logged protocol occurrence. Records are never modified after
// the loader produces them; Fields must be treated as read-only.
type Record struct {
	Seq        int64
	Line       int
	Timestamp  time.Time
	Direction  Direction
	Kind       FrameKind
	Channel    uint16
	Connection string
	Fields     map[string]any
}

func (r Record) Side() Side { return r.Direction.Side() }

// Field returns a frame field by its canonical (kebab-case) name.
func (r Record) Field(key string) (any, bool) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r Record) Uint(key string) (uint64, bool) {
	v, ok := r.Field(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func (r Record) Bool(key string) (bool, bool) {
	v, ok := r.Field(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (r Record) String(key string) (string, bool) {
	v, ok := r.Field(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
