package exchange

import (
	"bytes"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeRaw decodes a frame the way the feed does.
func decodeRaw(t *testing.T, frame string) RawEvent {
	t.Helper()
	dec := jsoniter.NewDecoder(bytes.NewReader([]byte(frame)))
	dec.UseNumber()
	raw := RawEvent{}
	require.NoError(t, dec.Decode(&raw))
	return raw
}

var arrived = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestNormalizeMatch(t *testing.T) {
	raw := decodeRaw(t, `{
		"type": "match",
		"trade_id": 10,
		"sequence": 50,
		"maker_order_id": "ac928c66-ca53-498f-9c13-a110027a60e8",
		"taker_order_id": "132fb6ae-456b-4654-b4e0-d681ac05cea1",
		"time": "2014-11-07T08:19:27.028459Z",
		"product_id": "BTC-USD",
		"size": "0.25",
		"price": "101.50",
		"side": "sell"
	}`)

	e, err := Normalize(raw, arrived)
	require.NoError(t, err)

	assert.Equal(t, TypeMatch, e.Type)
	assert.Equal(t, "BTC_USD", e.ProductID)
	assert.Equal(t, time.Date(2014, 11, 7, 8, 19, 27, 28459000, time.UTC), e.Time)
	require.NotNil(t, e.Sequence)
	assert.Equal(t, int64(50), *e.Sequence)
	assert.Equal(t, int64(10), *e.TradeID)
	assert.Equal(t, SideSell, e.Side)
	assert.True(t, e.Price.Decimal.Equal(decimal.RequireFromString("101.50")))
	assert.True(t, e.Size.Decimal.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, "101.5", e.Price.Decimal.String())
	assert.Equal(t, "0.25", e.Size.Decimal.String())
	assert.False(t, e.Funds.Valid)
	assert.Nil(t, e.Extra)

	table, ok := TableOf(e.Type)
	assert.True(t, ok)
	assert.Equal(t, storage.TableTrades, table)

	row := e.Row()
	assert.Equal(t, decimal.RequireFromString("101.50"), row["price"])
	assert.Equal(t, int64(50), row["sequence"])
	assert.Equal(t, SideSell, row["side"])
}

func TestNormalizeDefaultsAndTime(t *testing.T) {
	e, err := Normalize(RawEvent{"product_id": "ETH-USD"}, arrived)
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, e.Type)
	assert.True(t, e.Time.IsZero())

	e, err = Normalize(decodeRaw(t, `{"type":"snapshot","product_id":"BTC-USD","bids":[["10101.10","0.45054140"]],"asks":[["10102.55","0.57753524"]]}`), arrived)
	require.NoError(t, err)
	assert.Equal(t, arrived, e.Time)
	require.Len(t, e.Bids, 1)
	require.Len(t, e.Asks, 1)
	assert.Equal(t, "10101.1", e.Bids[0].Price.String())
	assert.Equal(t, "0.57753524", e.Asks[0].Size.String())

	_, err = Normalize(RawEvent{"type": "open", "time": "yesterday"}, arrived)
	assert.True(t, failure.Is(err, failure.KindProtocol))
}

func TestNormalizeChanges(t *testing.T) {
	e, err := Normalize(decodeRaw(t, `{
		"type": "l2update",
		"product_id": "BTC-USD",
		"time": "2019-08-14T20:42:27.265Z",
		"changes": [["buy", "10101.80000000", "0.162567"], ["sell", "10102.1", "0"]]
	}`), arrived)
	require.NoError(t, err)
	require.Len(t, e.Changes, 2)
	assert.Equal(t, SideBuy, e.Changes[0].Side)
	assert.Equal(t, "10101.8", e.Changes[0].Price.String())
	assert.Equal(t, "0.162567", e.Changes[0].Size.String())
	assert.Equal(t, SideSell, e.Changes[1].Side)
	assert.True(t, e.Changes[1].Size.IsZero())

	_, err = Normalize(decodeRaw(t, `{"type":"l2update","changes":[["hold","1","1"]]}`), arrived)
	assert.True(t, failure.Is(err, failure.KindProtocol))
}

func TestNormalizeKeepsUnknownFields(t *testing.T) {
	raw := decodeRaw(t, `{"type":"received","sequence":3,"product_id":"BTC-USD","order_id":"o1","venue":"x","nested":{"a":[1,2]}}`)
	before := decodeRaw(t, `{"type":"received","sequence":3,"product_id":"BTC-USD","order_id":"o1","venue":"x","nested":{"a":[1,2]}}`)

	e, err := Normalize(raw, arrived)
	require.NoError(t, err)
	assert.Equal(t, before, raw)
	assert.Equal(t, "x", e.Extra["venue"])
	assert.Equal(t, raw["nested"], e.Extra["nested"])
	assert.Equal(t, "o1", e.OrderID)
}

func TestNormalizeIsIdempotentOnNormalizedValues(t *testing.T) {
	text, err := Normalize(decodeRaw(t, `{
		"type": "done",
		"sequence": 7,
		"product_id": "BTC-USD",
		"time": "2024-01-02T03:04:05.123456Z",
		"price": "200.10",
		"remaining_size": "0.5",
		"side": "buy",
		"reason": "filled"
	}`), arrived)
	require.NoError(t, err)

	again, err := Normalize(RawEvent{
		"type":           text.Type,
		"sequence":       *text.Sequence,
		"product_id":     text.ProductID,
		"time":           text.Time,
		"price":          text.Price.Decimal,
		"remaining_size": text.RemainingSize,
		"side":           text.Side,
		"reason":         text.Reason,
	}, arrived)
	require.NoError(t, err)
	assert.Equal(t, text, again)
}

func TestTableOf(t *testing.T) {
	for _, typ := range []string{TypeReceived, TypeOpen, TypeDone, TypeChange, TypeActivate, TypeClosed} {
		table, ok := TableOf(typ)
		assert.True(t, ok, typ)
		assert.Equal(t, storage.TableQuotes, table, typ)
	}
	table, _ := TableOf(TypeL2Update)
	assert.Equal(t, storage.TableOrderBook, table)
	for _, typ := range []string{TypeSubscriptions, TypeError, TypeUnknown, "heartbeat"} {
		_, ok := TableOf(typ)
		assert.False(t, ok, typ)
	}
}
