package exchange

import (
	"github.com/milkywaybrain/cryptoquery/internal/storage"
)

// BatchBuffer accumulates rows per instrument and destination table.
// The rows live in the InstrumentState handed to each call.
type BatchBuffer struct{}

// Append adds rows to the table batch of st.
func (BatchBuffer) Append(st *InstrumentState, table string, rows ...storage.Row) {
	st.batches[table] = append(st.batches[table], rows...)
}

// Size returns the number of buffered entries of the table batch.
// A pending snapshot counts as one orderbook entry.
func (BatchBuffer) Size(st *InstrumentState, table string) int {
	n := len(st.batches[table])
	if table == storage.TableOrderBook && st.Snapshot != nil {
		n++
	}
	return n
}

// Drain returns the buffered rows of the table batch and clears it.
func (BatchBuffer) Drain(st *InstrumentState, table string) []storage.Row {
	rows := st.batches[table]
	delete(st.batches, table)
	return rows
}
