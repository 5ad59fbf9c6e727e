package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	r := NewREST(&config.REST{ReqTimeoutSec: 5})
	req, err := r.Post(context.Background(), srv.URL, "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	resp, err := r.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestRESTTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
	}))
	defer srv.Close()

	r := NewREST(&config.REST{ReqTimeoutSec: 1})
	req, err := r.Request(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = r.Do(req)
	assert.Error(t, err)
}

func TestGetRESTBeforeInit(t *testing.T) {
	rest = REST{}
	_, err := GetREST()
	assert.Error(t, err)

	initialized := InitREST(&config.REST{ReqTimeoutSec: 1})
	got, err := GetREST()
	require.NoError(t, err)
	assert.Same(t, initialized, got)
}
