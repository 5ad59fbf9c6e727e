package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RawEvent is one decoded feed frame before normalization.
// Numbers are kept as json.Number so no precision is lost before conversion.
type RawEvent map[string]interface{}

// Event types sent by the coinbase-pro full and level2 channels.
const (
	TypeSubscriptions = "subscriptions"
	TypeReceived      = "received"
	TypeOpen          = "open"
	TypeDone          = "done"
	TypeMatch         = "match"
	TypeChange        = "change"
	TypeActivate      = "activate"
	TypeClosed        = "closed"
	TypeSnapshot      = "snapshot"
	TypeL2Update      = "l2update"
	TypeError         = "error"
	TypeUnknown       = "unknown"
)

// Sides as stored. Zero means the event carried no side.
const (
	SideBuy  = 1
	SideSell = -1
)

// Level is one price level of an order book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Change is one l2update entry.
type Change struct {
	Side  int
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Channel is one entry of a subscriptions message.
type Channel struct {
	Name       string
	ProductIDs []string
}

// Event is a normalized feed event.
type Event struct {
	Type string
	// ProductID is canonical, see CanonicalProductID.
	ProductID string
	// Time is zero when the event had none. Snapshot events get their arrival time,
	// which only approximates the real book time.
	Time          time.Time
	Sequence      *int64
	TradeID       *int64
	Side          int
	Price         decimal.NullDecimal
	Size          decimal.NullDecimal
	Funds         decimal.NullDecimal
	RemainingSize decimal.NullDecimal
	OrderID       string
	OrderType     string
	ClientOID     string
	Reason        string
	MakerOrderID  string
	TakerOrderID  string
	Message       string
	Changes       []Change
	Asks          []Level
	Bids          []Level
	Channels      []Channel
	// Extra holds every key the normalizer does not know, unchanged.
	Extra map[string]interface{}
}

// CanonicalProductID makes a product id usable as a dataset name, BTC-USD becomes BTC_USD.
func CanonicalProductID(id string) string {
	return strings.NewReplacer("-", "_", "/", "_").Replace(id)
}

// IsTradeOrQuote reports whether events of type t carry a checked sequence number.
func IsTradeOrQuote(t string) bool {
	switch t {
	case TypeReceived, TypeOpen, TypeDone, TypeMatch, TypeChange, TypeActivate, TypeClosed:
		return true
	}
	return false
}

// TableOf returns the destination table of an event type.
// Subscriptions, error and unrecognized types have none.
func TableOf(t string) (string, bool) {
	switch {
	case t == TypeMatch:
		return storage.TableTrades, true
	case IsTradeOrQuote(t):
		return storage.TableQuotes, true
	case t == TypeSnapshot || t == TypeL2Update:
		return storage.TableOrderBook, true
	}
	return "", false
}

// Normalize converts a raw event to a typed one. It does not modify raw.
// arrived stands in for the time of snapshot events.
// Values that are already normalized, like a ±1 side, a canonical product id,
// a time.Time or a decimal, are taken as they are.
func Normalize(raw RawEvent, arrived time.Time) (Event, error) {
	e := Event{Type: TypeUnknown}
	var err error

	if v, ok := raw["type"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return e, failure.Protocol("normalize", "type is %T, not a string", v)
		}
		e.Type = s
	}

	if v, ok := raw["time"]; ok && v != nil {
		e.Time, err = toTime(v)
		if err != nil {
			return e, failure.Protocol("normalize", "time: %v", err)
		}
	} else if e.Type == TypeSnapshot {
		e.Time = arrived.UTC()
	}

	for k, v := range raw {
		if err := e.set(k, v); err != nil {
			return e, failure.Protocol("normalize", "%v event field %v: %v", e.Type, k, err)
		}
	}
	return e, nil
}

// set stores one raw field on e.
func (e *Event) set(k string, v interface{}) (err error) {
	switch k {
	case "type", "time":
	case "product_id":
		s, ok := v.(string)
		if !ok {
			return errors.Errorf("%T is not a string", v)
		}
		e.ProductID = CanonicalProductID(s)
	case "sequence":
		e.Sequence, err = toNullInt(v)
	case "trade_id":
		e.TradeID, err = toNullInt(v)
	case "side":
		e.Side, err = toSide(v)
	case "price":
		e.Price, err = toNullDecimal(v)
	case "size":
		e.Size, err = toNullDecimal(v)
	case "funds":
		e.Funds, err = toNullDecimal(v)
	case "remaining_size":
		e.RemainingSize, err = toNullDecimal(v)
	case "order_id":
		e.OrderID, err = toString(v)
	case "order_type":
		e.OrderType, err = toString(v)
	case "client_oid":
		e.ClientOID, err = toString(v)
	case "reason":
		e.Reason, err = toString(v)
	case "maker_order_id":
		e.MakerOrderID, err = toString(v)
	case "taker_order_id":
		e.TakerOrderID, err = toString(v)
	case "message":
		e.Message, err = toString(v)
	case "changes":
		e.Changes, err = toChanges(v)
	case "asks":
		e.Asks, err = toLevels(v)
	case "bids":
		e.Bids, err = toLevels(v)
	case "channels":
		e.Channels, err = toChannels(v)
	default:
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[k] = v
	}
	return err
}

// Row returns the event as a trades or quotes row.
// Columns not in the destination schema are ignored by the writers.
func (e *Event) Row() storage.Row {
	row := storage.Row{"type": e.Type, "product_id": e.ProductID}
	if !e.Time.IsZero() {
		row["time"] = e.Time
	}
	if e.Sequence != nil {
		row["sequence"] = *e.Sequence
	}
	if e.TradeID != nil {
		row["trade_id"] = *e.TradeID
	}
	if e.Side != 0 {
		row["side"] = e.Side
	}
	for name, d := range map[string]decimal.NullDecimal{
		"price":          e.Price,
		"size":           e.Size,
		"funds":          e.Funds,
		"remaining_size": e.RemainingSize,
	} {
		if d.Valid {
			row[name] = d.Decimal
		}
	}
	for name, s := range map[string]string{
		"order_id":       e.OrderID,
		"order_type":     e.OrderType,
		"client_oid":     e.ClientOID,
		"reason":         e.Reason,
		"maker_order_id": e.MakerOrderID,
		"taker_order_id": e.TakerOrderID,
	} {
		if s != "" {
			row[name] = s
		}
	}
	return row
}

func toString(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("%T is not a string", v)
	}
	return s, nil
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, errors.Errorf("%T is not a time", v)
}

func toNullInt(v interface{}) (*int64, error) {
	var n int64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil, err
		}
		n = i
	case int64:
		n = t
	case int:
		n = int64(t)
	case float64:
		if t != float64(int64(t)) {
			return nil, errors.Errorf("%v is not an integer", t)
		}
		n = int64(t)
	default:
		return nil, errors.Errorf("%T is not an integer", v)
	}
	return &n, nil
}

func toSide(v interface{}) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		switch t {
		case "buy":
			return SideBuy, nil
		case "sell":
			return SideSell, nil
		}
		return 0, errors.Errorf("unknown side %q", t)
	case int:
		if t == SideBuy || t == SideSell {
			return t, nil
		}
	case int64:
		if t == SideBuy || t == SideSell {
			return int(t), nil
		}
	case json.Number:
		i, err := t.Int64()
		if err == nil && (i == SideBuy || i == SideSell) {
			return int(i), nil
		}
	}
	return 0, errors.Errorf("unknown side %v", v)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(t)
	case json.Number:
		return decimal.NewFromString(t.String())
	}
	return decimal.Decimal{}, errors.Errorf("%T is not a decimal", v)
}

func toNullDecimal(v interface{}) (decimal.NullDecimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.NullDecimal{}, nil
	case decimal.NullDecimal:
		return t, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func toChanges(v interface{}) ([]Change, error) {
	switch t := v.(type) {
	case []Change:
		return t, nil
	case []interface{}:
		changes := make([]Change, 0, len(t))
		for i, item := range t {
			triple, ok := item.([]interface{})
			if !ok || len(triple) < 3 {
				return nil, errors.Errorf("change %d is not a [side, price, size] triple", i)
			}
			side, err := toSide(triple[0])
			if err != nil {
				return nil, err
			}
			price, err := toDecimal(triple[1])
			if err != nil {
				return nil, err
			}
			size, err := toDecimal(triple[2])
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{Side: side, Price: price, Size: size})
		}
		return changes, nil
	}
	return nil, errors.Errorf("%T is not a list of changes", v)
}

// toLevels reads [price, size, ...] entries. The REST book adds an order count, which is ignored.
func toLevels(v interface{}) ([]Level, error) {
	switch t := v.(type) {
	case []Level:
		return t, nil
	case []interface{}:
		levels := make([]Level, 0, len(t))
		for i, item := range t {
			pair, ok := item.([]interface{})
			if !ok || len(pair) < 2 {
				return nil, errors.Errorf("level %d is not a [price, size] pair", i)
			}
			price, err := toDecimal(pair[0])
			if err != nil {
				return nil, err
			}
			size, err := toDecimal(pair[1])
			if err != nil {
				return nil, err
			}
			levels = append(levels, Level{Price: price, Size: size})
		}
		return levels, nil
	}
	return nil, errors.Errorf("%T is not a list of levels", v)
}

// toChannels reads the channels list of a subscriptions message.
// Entries may be plain channel names or objects with name and product_ids.
func toChannels(v interface{}) ([]Channel, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, errors.Errorf("%T is not a list of channels", v)
	}
	channels := make([]Channel, 0, len(list))
	for _, item := range list {
		switch t := item.(type) {
		case string:
			channels = append(channels, Channel{Name: t})
		case map[string]interface{}:
			ch := Channel{}
			ch.Name, _ = t["name"].(string)
			ids, _ := t["product_ids"].([]interface{})
			for _, id := range ids {
				if s, ok := id.(string); ok {
					ch.ProductIDs = append(ch.ProductIDs, s)
				}
			}
			channels = append(channels, ch)
		}
	}
	return channels, nil
}
