package storage

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// FieldType is a destination column type.
type FieldType string

// Column types used by the built-in schemas.
const (
	FieldTimestamp FieldType = "TIMESTAMP"
	FieldInteger   FieldType = "INTEGER"
	FieldNumeric   FieldType = "NUMERIC"
	FieldFloat     FieldType = "FLOAT"
	FieldString    FieldType = "STRING"
	FieldBoolean   FieldType = "BOOLEAN"
)

// Field is one schema column.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is the ordered list of table columns.
type Schema []Field

// Table is a writable destination table handle.
type Table struct {
	ProjectID string
	DatasetID string
	TableID   string
	Schema    Schema
}

// Path returns the table resource path relative to the api base url.
func (t *Table) Path() string {
	return "/projects/" + t.ProjectID + "/datasets/" + t.DatasetID + "/tables/" + t.TableID
}

// FlatName returns dataset and table joined, usable where there are no datasets.
func (t *Table) FlatName() string {
	return t.DatasetID + "_" + t.TableID
}

// ErrTableNotFound is returned by a Catalog for a table it does not know.
var ErrTableNotFound = errors.New("table not found")

// Catalog resolves writable table handles.
// Provisioning and remote schema checks live outside of this module.
type Catalog interface {
	Table(dataset string, name string) (*Table, error)
}

var (
	tradesSchema = Schema{
		{Name: "time", Type: FieldTimestamp, Required: true},
		{Name: "sequence", Type: FieldInteger, Required: true},
		{Name: "trade_id", Type: FieldInteger, Required: true},
		{Name: "price", Type: FieldNumeric, Required: true},
		{Name: "size", Type: FieldNumeric, Required: true},
		{Name: "side", Type: FieldInteger, Required: true},
		{Name: "maker_order_id", Type: FieldString, Required: true},
		{Name: "taker_order_id", Type: FieldString, Required: true},
		{Name: "type", Type: FieldString, Required: true},
	}

	quotesSchema = Schema{
		{Name: "time", Type: FieldTimestamp},
		{Name: "type", Type: FieldString},
		{Name: "sequence", Type: FieldInteger},
		{Name: "order_id", Type: FieldString},
		{Name: "side", Type: FieldInteger},
		{Name: "size", Type: FieldNumeric},
		{Name: "price", Type: FieldNumeric},
		{Name: "order_type", Type: FieldString},
		{Name: "remaining_size", Type: FieldNumeric},
		{Name: "client_oid", Type: FieldString},
		{Name: "reason", Type: FieldString},
		{Name: "funds", Type: FieldNumeric},
	}

	orderBookSchema = Schema{
		{Name: "time", Type: FieldTimestamp, Required: true},
		{Name: "level", Type: FieldNumeric, Required: true},
		{Name: "depth", Type: FieldNumeric, Required: true},
		{Name: "side", Type: FieldInteger, Required: true},
	}
)

// StaticCatalog serves the built-in trades, quotes and orderbook schemas
// for any dataset of one project.
type StaticCatalog struct {
	ProjectID string
}

// Table returns the handle of the named table in dataset.
func (c StaticCatalog) Table(dataset string, name string) (*Table, error) {
	var schema Schema
	switch name {
	case TableTrades:
		schema = tradesSchema
	case TableQuotes:
		schema = quotesSchema
	case TableOrderBook:
		schema = orderBookSchema
	default:
		return nil, errors.Wrapf(ErrTableNotFound, "%v.%v", dataset, name)
	}
	return &Table{ProjectID: c.ProjectID, DatasetID: dataset, TableID: name, Schema: schema}, nil
}

// converter turns a Go value into its JSON wire representation.
type converter func(v interface{}) (interface{}, error)

var converters = map[FieldType]converter{
	FieldTimestamp: timestampToJSON,
	FieldInteger:   integerToJSON,
	FieldNumeric:   numericToJSON,
	FieldFloat:     numericToJSON,
	FieldBoolean:   booleanToJSON,
}

// JSONRow converts row to wire values using the schema's column types.
// Keys not in the schema and nil values are left out.
func (s Schema) JSONRow(row Row) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(s))
	for _, f := range s {
		v, ok := row[f.Name]
		if !ok || v == nil {
			continue
		}
		conv, ok := converters[f.Type]
		if !ok {
			out[f.Name] = v
			continue
		}
		jv, err := conv(v)
		if err != nil {
			return nil, errors.Wrapf(err, "field %v", f.Name)
		}
		if jv != nil {
			out[f.Name] = jv
		}
	}
	return out, nil
}

func timestampToJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, errors.Errorf("cannot convert %T to TIMESTAMP", v)
}

func integerToJSON(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int32:
		return strconv.FormatInt(int64(n), 10), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	}
	return nil, errors.Errorf("cannot convert %T to INTEGER", v)
}

// numericToJSON keeps the exact decimal digits by sending a string.
func numericToJSON(v interface{}) (interface{}, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d.String(), nil
	case decimal.NullDecimal:
		if !d.Valid {
			return nil, nil
		}
		return d.Decimal.String(), nil
	case string:
		if _, err := decimal.NewFromString(d); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, errors.Errorf("cannot convert %T to NUMERIC", v)
}

func booleanToJSON(v interface{}) (interface{}, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, errors.Errorf("cannot convert %T to BOOLEAN", v)
	}
	return b, nil
}
