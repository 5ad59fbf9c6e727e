package connector

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/pkg/errors"
)

// REST is for REST API connection.
// The http client timeout bounds every call, including reading the body.
type REST struct {
	HTTPClient *http.Client
}

var rest REST

// NewREST creates a REST client with configured values.
func NewREST(cfg *config.REST) *REST {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	return &REST{
		HTTPClient: &http.Client{
			Timeout:   time.Duration(cfg.ReqTimeoutSec) * time.Second,
			Transport: t,
		},
	}
}

// InitREST initializes the shared REST client with configured values.
func InitREST(cfg *config.REST) *REST {
	if rest.HTTPClient == nil {
		rest = *NewREST(cfg)
	}
	return &rest
}

// GetREST returns already prepared REST client.
func GetREST() (*REST, error) {
	if rest.HTTPClient == nil {
		return nil, errors.New("REST connection is not initialized")
	}
	return &rest, nil
}

// Request creates a GET request for the url.
func (r *REST) Request(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// Post creates a POST request for the url with the given content type.
func (r *REST) Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// Do sends the request.
func (r *REST) Do(req *http.Request) (*http.Response, error) {
	return r.HTTPClient.Do(req)
}
