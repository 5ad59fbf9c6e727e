package storage

import (
	"context"
	"fmt"
	"strings"
)

// Destination table names. Every instrument has one dataset holding these three tables.
const (
	TableTrades    = "trades"
	TableQuotes    = "quotes"
	TableOrderBook = "orderbook"
)

// Row represents final form of one normalized record ready to store.
// Keys are schema field names, values are Go values (time.Time, decimal.Decimal,
// int64, string, bool). A nil value is stored as NULL.
type Row map[string]interface{}

// RowError lists the problems the destination reported for the row at Index
// of a committed batch.
type RowError struct {
	Index  int          `json:"index"`
	Errors []ErrorProto `json:"errors"`
}

// ErrorProto describes one problem with a row.
type ErrorProto struct {
	Reason    string `json:"reason"`
	Location  string `json:"location"`
	DebugInfo string `json:"debugInfo"`
	Message   string `json:"message"`
}

func (e RowError) String() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, p := range e.Errors {
		msgs = append(msgs, p.Reason+": "+p.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Index, strings.Join(msgs, "; "))
}

// Sink represents a storage system where batches of rows are committed.
// An empty RowError list with a nil error means every row was accepted.
type Sink interface {
	Commit(ctx context.Context, table *Table, rows []Row) ([]RowError, error)
}
