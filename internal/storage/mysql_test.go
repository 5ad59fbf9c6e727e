package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertStatement(t *testing.T) {
	query, args, err := insertStatement(testTable(), testBookRows())
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO `BTC_USD_orderbook`(`time`, `level`, `depth`, `side`) VALUES (?, ?, ?, ?),(?, ?, ?, ?)", query)
	assert.Equal(t, []interface{}{
		"2024-01-01T00:00:00+00:00", "101.5", "0.25", int64(1),
		"2024-01-01T00:00:00+00:00", "102", "3", int64(-1),
	}, args)
}

func TestInsertStatementNulls(t *testing.T) {
	table := &Table{DatasetID: "ETH_USD", TableID: TableQuotes, Schema: quotesSchema}
	_, args, err := insertStatement(table, []Row{{
		"time":     time.Date(2024, 1, 1, 0, 0, 0, 500000000, time.UTC),
		"type":     "done",
		"sequence": int64(9),
		"funds":    decimal.NullDecimal{},
	}})
	require.NoError(t, err)
	require.Len(t, args, len(quotesSchema))
	assert.Equal(t, "2024-01-01T00:00:00.5+00:00", args[0])
	assert.Equal(t, "done", args[1])
	assert.Equal(t, int64(9), args[2])
	assert.Nil(t, args[3])
	assert.Nil(t, args[11])
}

func TestInsertStatementUnsupportedValue(t *testing.T) {
	_, _, err := insertStatement(testTable(), []Row{{"level": []int{1}}})
	assert.Error(t, err)
}
