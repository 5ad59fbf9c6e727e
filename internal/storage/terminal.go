package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Terminal is for displaying data on terminal.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

var terminal Terminal

// InitTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing where a buffer will be set as output terminal.
func InitTerminal(out io.Writer) *Terminal {
	if terminal.out == nil {
		terminal.out = out
	}
	return &terminal
}

// GetTerminal returns already prepared terminal instance.
func GetTerminal() *Terminal {
	return &terminal
}

// Commit outputs one line per row.
func (t *Terminal) Commit(_ context.Context, table *Table, rows []Row) ([]RowError, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, row := range rows {
		jsonRow, err := table.Schema.JSONRow(row)
		if err != nil {
			return nil, err
		}
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(jsonRow)
		if err != nil {
			return nil, err
		}
		if _, err := fmt.Fprintf(t.out, "%-12s%-12s%s\n", table.DatasetID, table.TableID, data); err != nil {
			return nil, errors.Wrapf(err, "terminal row %d", i)
		}
	}
	return []RowError{}, nil
}
