package exchange

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/gobwas/ws/wsutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/pkg/errors"
)

// FeedState is the lifecycle state of a FeedConnection.
type FeedState int32

// Feed connection states.
const (
	Disconnected FeedState = iota
	Connecting
	Subscribed
	Streaming
	Closed
	Failed
)

func (s FeedState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return "failed"
}

// Subscription is the subscribe request sent once after connecting.
type Subscription struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// FeedConnection owns one websocket session with the exchange feed.
type FeedConnection struct {
	cfg   *config.WS
	url   string
	ws    connector.Websocket
	state atomic.Int32
}

// NewFeedConnection creates a disconnected feed for the configured url.
func NewFeedConnection(cfg *config.WS) *FeedConnection {
	url := cfg.URL
	if url == "" {
		url = config.CoinbaseProWebsocketURL
	}
	return &FeedConnection{cfg: cfg, url: url}
}

// State returns the current state.
func (f *FeedConnection) State() FeedState {
	return FeedState(f.state.Load())
}

func (f *FeedConnection) setState(s FeedState) {
	f.state.Store(int32(s))
}

// Connect dials the feed and sends the subscription.
// Unsupported channels fail with a config error before any network call.
func (f *FeedConnection) Connect(ctx context.Context, productIDs []string, channels []string) error {
	if err := config.ValidateChannels(channels); err != nil {
		f.setState(Failed)
		return err
	}
	f.setState(Connecting)

	ws, err := connector.NewWebsocket(ctx, f.cfg, f.url)
	if err != nil {
		f.setState(Failed)
		return failure.Transport("connect", err)
	}
	f.ws = ws

	frame, err := jsoniter.Marshal(Subscription{Type: "subscribe", ProductIDs: productIDs, Channels: channels})
	if err != nil {
		f.fail()
		return failure.Transport("subscribe", err)
	}
	if err := f.ws.Write(frame); err != nil {
		f.fail()
		return failure.Transport("subscribe", err)
	}
	f.setState(Subscribed)
	return nil
}

// ReceiveOne blocks until one text frame arrives and decodes it.
// A heartbeat timeout, a non text frame or a close from the server fails the session.
func (f *FeedConnection) ReceiveOne() (RawEvent, error) {
	for {
		frame, err := f.ws.Read()
		if err != nil {
			if f.State() == Closed {
				return nil, errors.WithStack(net.ErrClosed)
			}
			f.fail()
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) {
				err = errors.Wrap(err, "connection close by exchange server")
			}
			return nil, failure.Transport("receive", err)
		}
		if len(frame) == 0 {
			continue
		}
		f.setState(Streaming)

		dec := jsoniter.NewDecoder(bytes.NewReader(frame))
		dec.UseNumber()
		raw := RawEvent{}
		if err := dec.Decode(&raw); err != nil {
			f.fail()
			return nil, failure.Protocol("receive", "malformed frame: %v", err)
		}
		return raw, nil
	}
}

// Close closes the connection, unblocking a pending ReceiveOne.
func (f *FeedConnection) Close() error {
	f.setState(Closed)
	return f.ws.Close()
}

func (f *FeedConnection) fail() {
	f.setState(Failed)
	_ = f.ws.Close()
}
