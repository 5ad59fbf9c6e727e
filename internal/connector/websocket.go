package connector

import (
	"context"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/pkg/errors"
)

// ErrNonText is returned by Read when the server sends a binary data frame.
var ErrNonText = errors.New("websocket frame is not text")

// Websocket is for websocket connection.
type Websocket struct {
	Conn     net.Conn
	Cfg      *config.WS
	lastPing time.Time
}

// NewWebsocket creates a new websocket connection for the exchange.
func NewWebsocket(appCtx context.Context, cfg *config.WS, url string) (Websocket, error) {
	ctx := appCtx
	if cfg.ConnTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(cfg.ConnTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	}
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return Websocket{}, err
	}
	websocket := Websocket{Conn: conn, Cfg: cfg}
	return websocket, nil
}

// Write writes data frame on websocket connection.
func (w *Websocket) Write(data []byte) error {
	return wsutil.WriteClientText(w.Conn, data)
}

// Ping writes a ping control frame. Pong replies are consumed by Read.
func (w *Websocket) Ping() error {
	err := wsutil.WriteClientMessage(w.Conn, ws.OpPing, nil)
	if err != nil {
		return err
	}
	w.lastPing = time.Now()
	return nil
}

// Read reads one text data frame from websocket connection.
// The heartbeat interval is both the ping period and the read deadline, so a silent
// server fails the read after one heartbeat. A binary frame returns ErrNonText and a
// close frame returns wsutil.ClosedError.
func (w *Websocket) Read() ([]byte, error) {
	if w.Cfg.HeartbeatSec > 0 {
		heartbeat := time.Duration(w.Cfg.HeartbeatSec) * time.Second
		if time.Since(w.lastPing) >= heartbeat {
			if err := w.Ping(); err != nil {
				return nil, err
			}
		}
		err := w.Conn.SetReadDeadline(time.Now().Add(heartbeat))
		if err != nil {
			return nil, err
		}
	}
	data, op, err := wsutil.ReadServerData(w.Conn)
	if err != nil {
		return nil, err
	}
	if op != ws.OpText {
		return nil, errors.Wrapf(ErrNonText, "opcode %v", op)
	}
	return data, nil
}

// Close closes the underlying network connection. It unblocks any pending Read.
func (w *Websocket) Close() error {
	if w.Conn == nil {
		return nil
	}
	return w.Conn.Close()
}
