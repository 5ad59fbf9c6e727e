package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/pkg/errors"
)

// ElasticSearch is for connecting and indexing data to elastic search.
// All tables share one index, documents carry dataset and table fields.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

var elasticSearch ElasticSearch

// NewElasticSearch creates an elastic search client with configured values.
func NewElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	return &ElasticSearch{
		ES:        es,
		IndexName: cfg.IndexName,
		Cfg:       cfg,
	}, nil
}

// InitElasticSearch initializes elastic search connection with configured values.
func InitElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	if elasticSearch.ES == nil {
		e, err := NewElasticSearch(cfg)
		if err != nil {
			return nil, err
		}
		var ctx context.Context
		if cfg.ReqTimeoutSec > 0 {
			timeoutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReqTimeoutSec)*time.Second)
			ctx = timeoutCtx
			defer cancel()
		} else {
			ctx = context.Background()
		}
		resp, err := e.ES.Ping(e.ES.Ping.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		elasticSearch = *e
	}
	return &elasticSearch, nil
}

// GetElasticSearch returns already prepared elastic search instance.
func GetElasticSearch() *ElasticSearch {
	return &elasticSearch
}

// bulkResp is the part of the bulk api response needed to find rejected documents.
type bulkResp struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Commit batch indexes rows to elastic search.
// Documents the bulk api rejected come back as RowErrors.
func (e *ElasticSearch) Commit(appCtx context.Context, table *Table, rows []Row) ([]RowError, error) {
	if len(rows) == 0 {
		return []RowError{}, nil
	}
	var buf bytes.Buffer
	for i, row := range rows {
		meta := []byte(fmt.Sprintf(`{"create":{}}%s`, "\n"))
		doc, err := table.Schema.JSONRow(row)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		doc["dataset"] = table.DatasetID
		doc["table"] = table.TableID
		esBytes, err := jsoniter.Marshal(doc)
		if err != nil {
			return nil, err
		}
		esBytes = append(esBytes, "\n"...)
		buf.Grow(len(meta) + len(esBytes))
		buf.Write(meta)
		buf.Write(esBytes)
	}
	var ctx context.Context
	if e.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(e.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}

	br := bulkResp{}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, errors.Wrap(err, "decode bulk response")
	}
	rowErrs := []RowError{}
	if !br.Errors {
		return rowErrs, nil
	}
	for i, item := range br.Items {
		for _, res := range item {
			if res.Status < 300 {
				continue
			}
			rowErrs = append(rowErrs, RowError{
				Index:  i,
				Errors: []ErrorProto{{Reason: res.Error.Type, Message: res.Error.Reason}},
			})
		}
	}
	return rowErrs, nil
}
