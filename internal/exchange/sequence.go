package exchange

import (
	"github.com/milkywaybrain/cryptoquery/internal/failure"
)

// Outcome is the result of a sequence check.
type Outcome int

// Sequence check outcomes.
const (
	InOrder Outcome = iota
	Exempt
	Violation
)

func (o Outcome) String() string {
	switch o {
	case InOrder:
		return "in order"
	case Exempt:
		return "exempt"
	}
	return "violation"
}

// SequenceGuard enforces strict per instrument ordering of trade and quote events.
type SequenceGuard struct{}

// Check classifies e against the counter in st and advances the counter on acceptance.
// A Violation always comes with a protocol error, the session cannot go on after it.
func (SequenceGuard) Check(st *InstrumentState, e *Event) (Outcome, error) {
	switch e.Type {
	case TypeSubscriptions, TypeSnapshot, TypeL2Update:
		return Exempt, nil
	}
	if !IsTradeOrQuote(e.Type) {
		return Violation, failure.Protocol("sequence", "unrecognized event type %q for %v", e.Type, e.ProductID)
	}
	if e.Sequence == nil {
		return Violation, failure.Protocol("sequence", "%v event for %v has no sequence", e.Type, e.ProductID)
	}

	seq := *e.Sequence
	if st.Sequence != 0 && seq != st.Sequence {
		return Violation, failure.Protocol("sequence", "%v message %d is out of sequence, expected %d", e.ProductID, seq, st.Sequence)
	}
	st.Sequence = seq + 1
	return InOrder, nil
}
