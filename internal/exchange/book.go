package exchange

import (
	"context"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/pkg/errors"
)

// BookFetcher loads a full order book outside of the feed.
type BookFetcher interface {
	FetchBook(ctx context.Context, productID string) (Event, error)
}

// restBook fetches level 2 order books from the exchange REST api.
type restBook struct {
	rest    *connector.REST
	baseURL string
}

func newRESTBook(rest *connector.REST, baseURL string) *restBook {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &restBook{rest: rest, baseURL: baseURL}
}

// FetchBook returns the level 2 book of productID as a snapshot event.
// productID is the exchange id, like BTC-USD. The event time is the arrival time.
func (b *restBook) FetchBook(ctx context.Context, productID string) (Event, error) {
	req, err := b.rest.Request(ctx, b.baseURL+"products/"+productID+"/book")
	if err != nil {
		return Event{}, failure.Transport("book", err)
	}
	q := req.URL.Query()
	q.Add("level", "2")
	req.URL.RawQuery = q.Encode()

	resp, err := b.rest.Do(req)
	if err != nil {
		return Event{}, failure.Transport("book", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Event{}, failure.Transport("book", errors.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status))
	}

	dec := jsoniter.NewDecoder(resp.Body)
	dec.UseNumber()
	raw := RawEvent{}
	if err := dec.Decode(&raw); err != nil {
		return Event{}, failure.Transport("book", err)
	}
	raw["type"] = TypeSnapshot
	raw["product_id"] = productID

	// The book sequence belongs to the full channel and is not checked.
	delete(raw, "sequence")
	return Normalize(raw, time.Now())
}
