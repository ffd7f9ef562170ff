// Package align pairs the exchanges of two traces by structural fingerprint.
package align

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
)

// ErrNotInjective is returned by Validate when an exchange is used twice.
var ErrNotInjective = errors.New("alignment is not injective")

type Pair struct {
	Left  *session.Exchange
	Right *session.Exchange
}

// Alignment maps exchanges of the Left trace to at most one exchange of the
// Right trace. Pairs are in Left trace order, unmatched lists in their own
// trace order.
type Alignment struct {
	Left           *session.Trace
	Right          *session.Trace
	Pairs          []Pair
	UnmatchedLeft  []*session.Exchange
	UnmatchedRight []*session.Exchange
}

// Align matches exchanges with equal fingerprints greedily: within each
// fingerprint group both sides are ordered by offset from their trace start
// (ties by sequence number) and zipped. Leftovers are unmatched.
func Align(left, right *session.Trace) *Alignment {
	a := &Alignment{Left: left, Right: right}

	leftGroups, order := group(left)
	rightGroups, _ := group(right)

	matchedRight := make(map[*session.Exchange]bool)
	for _, fp := range order {
		ls := leftGroups[fp]
		rs := rightGroups[fp]
		n := min(len(ls), len(rs))
		for i := 0; i < n; i++ {
			a.Pairs = append(a.Pairs, Pair{Left: ls[i], Right: rs[i]})
			matchedRight[rs[i]] = true
		}
		a.UnmatchedLeft = append(a.UnmatchedLeft, ls[n:]...)
	}
	for _, ex := range right.Exchanges {
		if !matchedRight[ex] {
			a.UnmatchedRight = append(a.UnmatchedRight, ex)
		}
	}

	sort.Slice(a.Pairs, func(i, j int) bool { return a.Pairs[i].Left.Index < a.Pairs[j].Left.Index })
	sort.Slice(a.UnmatchedLeft, func(i, j int) bool { return a.UnmatchedLeft[i].Index < a.UnmatchedLeft[j].Index })
	return a
}

// group buckets a trace's exchanges by fingerprint, each bucket in matching
// order. order lists the fingerprints as first seen in trace order.
func group(t *session.Trace) (map[Fingerprint][]*session.Exchange, []Fingerprint) {
	groups := make(map[Fingerprint][]*session.Exchange)
	var order []Fingerprint
	for _, ex := range t.Exchanges {
		fp := FingerprintOf(ex)
		if _, seen := groups[fp]; !seen {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], ex)
	}
	for _, exs := range groups {
		sort.SliceStable(exs, func(i, j int) bool {
			oi, oj := t.Offset(exs[i]), t.Offset(exs[j])
			if oi != oj {
				return oi < oj
			}
			return exs[i].Seq < exs[j].Seq
		})
	}
	return groups, order
}

// Validate checks that no exchange appears in more than one pair, nor both
// paired and unmatched.
func (a *Alignment) Validate() error {
	seenLeft := make(map[*session.Exchange]bool)
	seenRight := make(map[*session.Exchange]bool)
	use := func(seen map[*session.Exchange]bool, ex *session.Exchange, side string) error {
		if ex == nil {
			return fmt.Errorf("%s: nil exchange: %w", side, ErrNotInjective)
		}
		if seen[ex] {
			return fmt.Errorf("%s exchange %s used twice: %w", side, ex.ID, ErrNotInjective)
		}
		seen[ex] = true
		return nil
	}
	for _, p := range a.Pairs {
		if err := use(seenLeft, p.Left, "left"); err != nil {
			return err
		}
		if err := use(seenRight, p.Right, "right"); err != nil {
			return err
		}
	}
	for _, ex := range a.UnmatchedLeft {
		if err := use(seenLeft, ex, "left"); err != nil {
			return err
		}
	}
	for _, ex := range a.UnmatchedRight {
		if err := use(seenRight, ex, "right"); err != nil {
			return err
		}
	}
	return nil
}
