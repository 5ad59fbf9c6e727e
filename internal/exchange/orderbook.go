package exchange

import (
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/shopspring/decimal"
)

// OrderBookReconciler turns snapshots and l2updates into flat orderbook rows.
type OrderBookReconciler struct {
	// ChunkSize is the number of snapshot rows per write call.
	ChunkSize int
}

// AddSnapshot makes e the pending snapshot of st.
// A second snapshot before the first one is drained overflows the cache.
func (r OrderBookReconciler) AddSnapshot(st *InstrumentState, e *Event) error {
	if st.Snapshot != nil {
		return failure.Protocol("orderbook", "message cache overflow for %v, check the snapshot frequency or network connectivity", e.ProductID)
	}
	st.Snapshot = &Snapshot{Time: e.Time, Asks: e.Asks, Bids: e.Bids}
	return nil
}

// AddUpdate buffers the rows of an l2update. Deltas do not wait for a snapshot.
func (r OrderBookReconciler) AddUpdate(st *InstrumentState, buf BatchBuffer, e *Event) {
	buf.Append(st, storage.TableOrderBook, updateRows(e)...)
}

// Drain returns the write calls of one orderbook drain cycle.
// With a pending snapshot that is its rows in chunks, and l2update rows buffered in the
// same cycle are dropped. Without one it is the buffered l2update rows in a single call.
func (r OrderBookReconciler) Drain(st *InstrumentState, buf BatchBuffer) [][]storage.Row {
	updates := buf.Drain(st, storage.TableOrderBook)
	if st.Snapshot == nil {
		if len(updates) == 0 {
			return nil
		}
		return [][]storage.Row{updates}
	}

	snap := st.Snapshot
	st.Snapshot = nil
	rows := make([]storage.Row, 0, len(snap.Asks)+len(snap.Bids))
	for _, l := range snap.Asks {
		rows = append(rows, bookRow(snap.Time, SideBuy, l.Price, l.Size))
	}
	for _, l := range snap.Bids {
		rows = append(rows, bookRow(snap.Time, SideSell, l.Price, l.Size))
	}
	size := r.ChunkSize
	if size < 1 {
		size = config.DefaultSnapshotChunkSize
	}
	return chunkRows(rows, size)
}

func updateRows(e *Event) []storage.Row {
	rows := make([]storage.Row, 0, len(e.Changes))
	for _, c := range e.Changes {
		rows = append(rows, bookRow(e.Time, c.Side, c.Price, c.Size))
	}
	return rows
}

func bookRow(t time.Time, side int, level decimal.Decimal, depth decimal.Decimal) storage.Row {
	row := storage.Row{"side": side, "level": level, "depth": depth}
	if !t.IsZero() {
		row["time"] = t
	}
	return row
}

// chunkRows splits rows into groups of at most size rows, in order.
func chunkRows(rows []storage.Row, size int) [][]storage.Row {
	chunks := make([][]storage.Row, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
