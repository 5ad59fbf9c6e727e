package exchange

import (
	"testing"
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levels(n int) []Level {
	out := make([]Level, n)
	for i := range out {
		out[i] = Level{Price: decimal.NewFromInt(int64(100 + i)), Size: decimal.RequireFromString("0.5")}
	}
	return out
}

func snapshotEvent(asks int, bids int) *Event {
	return &Event{Type: TypeSnapshot, ProductID: "BTC_USD", Time: arrived, Asks: levels(asks), Bids: levels(bids)}
}

func updateEvent(side int) *Event {
	return &Event{
		Type:      TypeL2Update,
		ProductID: "BTC_USD",
		Time:      arrived.Add(time.Second),
		Changes:   []Change{{Side: side, Price: decimal.RequireFromString("99.5"), Size: decimal.RequireFromString("2")}},
	}
}

func TestReconcilerSnapshotOverflow(t *testing.T) {
	r := OrderBookReconciler{ChunkSize: 500}
	st := StateTable{}.Get("BTC_USD")

	require.NoError(t, r.AddSnapshot(st, snapshotEvent(1, 1)))
	err := r.AddSnapshot(st, snapshotEvent(1, 1))
	assert.True(t, failure.Is(err, failure.KindProtocol))
}

func TestReconcilerSnapshotDrainSnapshot(t *testing.T) {
	r := OrderBookReconciler{ChunkSize: 500}
	var buf BatchBuffer
	st := StateTable{}.Get("BTC_USD")

	require.NoError(t, r.AddSnapshot(st, snapshotEvent(1, 1)))
	assert.Len(t, r.Drain(st, buf), 1)
	require.NoError(t, r.AddSnapshot(st, snapshotEvent(1, 1)))
}

func TestReconcilerDrainChunksSnapshot(t *testing.T) {
	r := OrderBookReconciler{ChunkSize: 500}
	var buf BatchBuffer
	st := StateTable{}.Get("BTC_USD")

	require.NoError(t, r.AddSnapshot(st, snapshotEvent(700, 600)))
	r.AddUpdate(st, buf, updateEvent(SideBuy))
	assert.Equal(t, 2, buf.Size(st, storage.TableOrderBook))

	calls := r.Drain(st, buf)
	require.Len(t, calls, 3)
	assert.Len(t, calls[0], 500)
	assert.Len(t, calls[1], 500)
	assert.Len(t, calls[2], 300)

	assert.Equal(t, SideBuy, calls[0][0]["side"])
	assert.Equal(t, arrived, calls[0][0]["time"])
	assert.Equal(t, decimal.NewFromInt(100), calls[0][0]["level"])
	assert.Equal(t, SideBuy, calls[1][199]["side"])
	assert.Equal(t, SideSell, calls[1][200]["side"])
	assert.Equal(t, SideSell, calls[2][299]["side"])

	// The interleaved delta was superseded by the snapshot.
	assert.Nil(t, st.Snapshot)
	assert.Equal(t, 0, buf.Size(st, storage.TableOrderBook))
	assert.Empty(t, r.Drain(st, buf))
}

func TestReconcilerDrainUpdates(t *testing.T) {
	r := OrderBookReconciler{ChunkSize: 2}
	var buf BatchBuffer
	st := StateTable{}.Get("BTC_USD")

	for i := 0; i < 3; i++ {
		r.AddUpdate(st, buf, updateEvent(SideSell))
	}
	calls := r.Drain(st, buf)
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 3)
	assert.Equal(t, storage.Row{
		"time":  arrived.Add(time.Second),
		"side":  SideSell,
		"level": decimal.RequireFromString("99.5"),
		"depth": decimal.RequireFromString("2"),
	}, calls[0][0])
}

func TestBatchBuffer(t *testing.T) {
	var buf BatchBuffer
	st := StateTable{}.Get("BTC_USD")

	buf.Append(st, storage.TableTrades, storage.Row{"a": 1}, storage.Row{"a": 2})
	buf.Append(st, storage.TableQuotes, storage.Row{"b": 1})
	assert.Equal(t, 2, buf.Size(st, storage.TableTrades))
	assert.Equal(t, 1, buf.Size(st, storage.TableQuotes))

	rows := buf.Drain(st, storage.TableTrades)
	assert.Equal(t, []storage.Row{{"a": 1}, {"a": 2}}, rows)
	assert.Equal(t, 0, buf.Size(st, storage.TableTrades))
	assert.Empty(t, buf.Drain(st, storage.TableTrades))
	assert.Equal(t, 1, buf.Size(st, storage.TableQuotes))
}

func TestChunkRows(t *testing.T) {
	rows := make([]storage.Row, 5)
	assert.Len(t, chunkRows(rows, 2), 3)
	assert.Len(t, chunkRows(rows, 5), 1)
	assert.Empty(t, chunkRows(nil, 5))
}
