package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const jsonContentType = "application/json"

// TokenSource hands out a bearer token that is valid at the time of the call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// InsertOptions are the optional request level flags of a streaming insert.
// Nil flags and an empty suffix are not sent.
type InsertOptions struct {
	// RowIDs are idempotency keys, one per row. Random keys are generated when nil.
	RowIDs              []string
	SkipInvalidRows     *bool
	IgnoreUnknownValues *bool
	TemplateSuffix      string
}

// StreamingWriter inserts rows through the BigQuery tabledata.insertAll api.
type StreamingWriter struct {
	rest     *connector.REST
	tokens   TokenSource
	baseURL  string
	limiter  *rate.Limiter
	defaults InsertOptions
}

type insertAllRow struct {
	InsertID string                 `json:"insertId"`
	JSON     map[string]interface{} `json:"json"`
}

type insertAllReq struct {
	Rows                []insertAllRow `json:"rows"`
	SkipInvalidRows     *bool          `json:"skipInvalidRows,omitempty"`
	IgnoreUnknownValues *bool          `json:"ignoreUnknownValues,omitempty"`
	TemplateSuffix      string         `json:"templateSuffix,omitempty"`
}

type insertAllResp struct {
	InsertErrors []RowError `json:"insertErrors"`
}

// NewStreamingWriter creates a writer with request defaults and rate limit taken from cfg.
// A zero requests_per_sec leaves the writer unlimited.
func NewStreamingWriter(rest *connector.REST, tokens TokenSource, cfg *config.BigQuery) *StreamingWriter {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &StreamingWriter{
		rest:    rest,
		tokens:  tokens,
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
		defaults: InsertOptions{
			SkipInvalidRows:     cfg.SkipInvalidRows,
			IgnoreUnknownValues: cfg.IgnoreUnknownValues,
			TemplateSuffix:      cfg.TemplateSuffix,
		},
	}
}

// Commit writes rows with the configured request defaults.
func (w *StreamingWriter) Commit(ctx context.Context, table *Table, rows []Row) ([]RowError, error) {
	return w.Write(ctx, table, rows, w.defaults)
}

// Write issues one insertAll request for rows.
// A non-200 response is a write error for the whole call. Rows the api rejected
// come back as RowErrors, an empty list means everything was accepted.
func (w *StreamingWriter) Write(ctx context.Context, table *Table, rows []Row, opts InsertOptions) ([]RowError, error) {
	if opts.RowIDs != nil && len(opts.RowIDs) != len(rows) {
		return nil, failure.Write("insertAll", errors.Errorf("got %d row ids for %d rows", len(opts.RowIDs), len(rows)))
	}

	data := insertAllReq{
		Rows:                make([]insertAllRow, 0, len(rows)),
		SkipInvalidRows:     opts.SkipInvalidRows,
		IgnoreUnknownValues: opts.IgnoreUnknownValues,
		TemplateSuffix:      opts.TemplateSuffix,
	}
	for i, row := range rows {
		jsonRow, err := table.Schema.JSONRow(row)
		if err != nil {
			return nil, failure.Write("insertAll", errors.Wrapf(err, "row %d", i))
		}
		info := insertAllRow{JSON: jsonRow}
		if opts.RowIDs != nil {
			info.InsertID = opts.RowIDs[i]
		} else {
			info.InsertID = uuid.NewString()
		}
		data.Rows = append(data.Rows, info)
	}
	body, err := jsoniter.Marshal(data)
	if err != nil {
		return nil, failure.Write("insertAll", err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, failure.Transport("insertAll", err)
	}

	token, err := w.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := w.rest.Post(ctx, w.baseURL+table.Path()+"/insertAll", jsonContentType, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Transport("insertAll", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.rest.Do(req)
	if err != nil {
		return nil, failure.Transport("insertAll", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, failure.Write("insertAll", errors.Errorf("code : %v, status : %v, body : %s", resp.StatusCode, resp.Status, msg))
	}

	ir := insertAllResp{}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&ir); err != nil && err != io.EOF {
		return nil, failure.Transport("insertAll", err)
	}
	log.Debug().Str("table", table.FlatName()).Int("rows", len(rows)).Int("row_errors", len(ir.InsertErrors)).Msg("streaming insert done")
	if ir.InsertErrors == nil {
		return []RowError{}, nil
	}
	return ir.InsertErrors, nil
}
