package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// insertAllServer records the last request body and answers with resp.
type insertAllServer struct {
	*httptest.Server
	path   string
	auth   string
	body   map[string]interface{}
	calls  int32
	status int
	resp   string
}

func newInsertAllServer(t *testing.T, status int, resp string) *insertAllServer {
	t.Helper()
	s := &insertAllServer{status: status, resp: resp}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.calls, 1)
		s.path = r.URL.Path
		s.auth = r.Header.Get("Authorization")
		s.body = map[string]interface{}{}
		_ = jsoniter.NewDecoder(r.Body).Decode(&s.body)
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(s.resp))
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestWriter(url string, tokens TokenSource) *StreamingWriter {
	rest := connector.NewREST(&config.REST{ReqTimeoutSec: 5})
	return NewStreamingWriter(rest, tokens, &config.BigQuery{APIBaseURL: url})
}

func testTable() *Table {
	return &Table{ProjectID: "market-data", DatasetID: "BTC_USD", TableID: TableOrderBook, Schema: orderBookSchema}
}

func testBookRows() []Row {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Row{
		{"time": ts, "level": decimal.RequireFromString("101.50"), "depth": decimal.RequireFromString("0.25"), "side": 1},
		{"time": ts, "level": decimal.RequireFromString("102"), "depth": decimal.RequireFromString("3"), "side": -1},
	}
}

func TestStreamingWriterWrite(t *testing.T) {
	srv := newInsertAllServer(t, http.StatusOK, `{"kind":"bigquery#tableDataInsertAllResponse"}`)
	w := newTestWriter(srv.URL, staticToken("abc"))

	rowErrs, err := w.Write(context.Background(), testTable(), testBookRows(), InsertOptions{})
	require.NoError(t, err)
	assert.NotNil(t, rowErrs)
	assert.Empty(t, rowErrs)

	assert.Equal(t, "/projects/market-data/datasets/BTC_USD/tables/orderbook/insertAll", srv.path)
	assert.Equal(t, "Bearer abc", srv.auth)
	assert.NotContains(t, srv.body, "skipInvalidRows")
	assert.NotContains(t, srv.body, "ignoreUnknownValues")
	assert.NotContains(t, srv.body, "templateSuffix")

	rows, ok := srv.body["rows"].([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 2)
	first := rows[0].(map[string]interface{})
	assert.NotEmpty(t, first["insertId"])
	assert.NotEqual(t, first["insertId"], rows[1].(map[string]interface{})["insertId"])
	assert.Equal(t, map[string]interface{}{
		"time":  "2024-01-01T00:00:00Z",
		"level": "101.5",
		"depth": "0.25",
		"side":  "1",
	}, first["json"])
}

func TestStreamingWriterOptions(t *testing.T) {
	srv := newInsertAllServer(t, http.StatusOK, `{}`)
	w := newTestWriter(srv.URL, staticToken("abc"))

	skip := false
	_, err := w.Write(context.Background(), testTable(), testBookRows(), InsertOptions{
		RowIDs:          []string{"a", "b"},
		SkipInvalidRows: &skip,
		TemplateSuffix:  "_2024",
	})
	require.NoError(t, err)
	assert.Equal(t, false, srv.body["skipInvalidRows"])
	assert.Equal(t, "_2024", srv.body["templateSuffix"])
	assert.NotContains(t, srv.body, "ignoreUnknownValues")
	rows := srv.body["rows"].([]interface{})
	assert.Equal(t, "a", rows[0].(map[string]interface{})["insertId"])
	assert.Equal(t, "b", rows[1].(map[string]interface{})["insertId"])

	_, err = w.Write(context.Background(), testTable(), testBookRows(), InsertOptions{RowIDs: []string{"a"}})
	assert.True(t, failure.Is(err, failure.KindWrite))
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.calls))
}

func TestStreamingWriterRowErrors(t *testing.T) {
	srv := newInsertAllServer(t, http.StatusOK, `{"insertErrors":[{"index":1,"errors":[{"reason":"invalid","location":"side","message":"bad side"}]}]}`)
	w := newTestWriter(srv.URL, staticToken("abc"))

	rowErrs, err := w.Commit(context.Background(), testTable(), testBookRows())
	require.NoError(t, err)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 1, rowErrs[0].Index)
	require.Len(t, rowErrs[0].Errors, 1)
	assert.Equal(t, "invalid", rowErrs[0].Errors[0].Reason)
	assert.Equal(t, "side", rowErrs[0].Errors[0].Location)
}

func TestStreamingWriterNon200(t *testing.T) {
	srv := newInsertAllServer(t, http.StatusNotFound, `{"error":{"code":404,"message":"Not found: Table"}}`)
	w := newTestWriter(srv.URL, staticToken("abc"))

	rowErrs, err := w.Commit(context.Background(), testTable(), testBookRows())
	assert.Nil(t, rowErrs)
	assert.True(t, failure.Is(err, failure.KindWrite))
}

func TestStreamingWriterRefreshesExpiredToken(t *testing.T) {
	ts := newTokenServer(t)
	p := newTestProvider(t, ts)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	_, _, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, ts.Calls())

	srv := newInsertAllServer(t, http.StatusOK, `{}`)
	w := newTestWriter(srv.URL, p)

	now = now.Add(tokenLifetime)
	_, err = w.Commit(context.Background(), testTable(), testBookRows())
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Calls())
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.calls))
	assert.Equal(t, "Bearer "+p.token, srv.auth)

	_, err = w.Commit(context.Background(), testTable(), testBookRows())
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Calls())
}

func TestStreamingWriterAuthFailureSkipsInsert(t *testing.T) {
	ts := newTokenServer(t)
	atomic.StoreInt32(&ts.status, http.StatusUnauthorized)
	p := newTestProvider(t, ts)

	srv := newInsertAllServer(t, http.StatusOK, `{}`)
	w := newTestWriter(srv.URL, p)

	_, err := w.Commit(context.Background(), testTable(), testBookRows())
	assert.True(t, failure.Is(err, failure.KindAuth))
	assert.Equal(t, int32(0), atomic.LoadInt32(&srv.calls))
}
