package exchange

import (
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/storage"
)

// Snapshot is a pending full order book of one instrument.
type Snapshot struct {
	Time time.Time
	Asks []Level
	Bids []Level
}

// InstrumentState is everything a session remembers about one instrument.
// It is owned by the ingestion loop and handed to the guard, reconciler and buffer.
type InstrumentState struct {
	// Sequence is the next expected sequence number, zero until the first trade or quote.
	Sequence int64
	// Snapshot is the order book waiting for the next orderbook drain.
	Snapshot *Snapshot
	batches  map[string][]storage.Row
}

// StateTable maps canonical product ids to their state.
type StateTable map[string]*InstrumentState

// Get returns the state of productID, creating an empty one on first use.
func (t StateTable) Get(productID string) *InstrumentState {
	st, ok := t[productID]
	if !ok {
		st = &InstrumentState{batches: make(map[string][]storage.Row)}
		t[productID] = st
	}
	return st
}
