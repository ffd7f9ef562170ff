package align

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
)

// Fingerprint is the canonical rendering of an exchange's kind plus its
// implementation-independent fields. Two exchanges with equal fingerprints
// are candidates for each other.
type Fingerprint string

// fingerprintFields lists, per kind, the ordered fields expected to be equal
// across client implementations. Implementation-assigned identifiers
// (delivery-id, delivery-tag, handle, channel, link name, container-id) are
// never part of a fingerprint.
var fingerprintFields = map[session.Kind][]string{
	session.KindConnection: nil,
	session.KindSession:    nil,
	session.KindLink:       {"role", "address"},
	session.KindDelivery:   {"direction", "address", "message-format", "content-hash"},
	session.KindError:      {"condition"},
}

// orphanFields replace the kind's list for exchanges built from a terminator
// that never found its opener.
var orphanFields = []string{"frame-kind"}

// FingerprintFields returns the fields consumed by an exchange's fingerprint.
func FingerprintFields(ex *session.Exchange) []string {
	if ex.Orphan {
		return orphanFields
	}
	return fingerprintFields[ex.Kind]
}

func FingerprintOf(ex *session.Exchange) Fingerprint {
	var b strings.Builder
	b.WriteString(string(ex.Kind))
	if ex.Orphan {
		b.WriteString("|orphan")
	}
	for _, f := range FingerprintFields(ex) {
		b.WriteByte('|')
		b.WriteString(f)
		b.WriteByte('=')
		if v, ok := ex.Fields[f]; ok {
			// %#v keeps int64(0) and "0" apart and prints maps in key order
			fmt.Fprintf(&b, "%#v", v)
		} else {
			b.WriteString("-")
		}
	}
	return Fingerprint(b.String())
}
