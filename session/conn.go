package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

var _ Conn = (*websocket.Conn)(nil)

// Conn is the subset of *websocket.Conn the client needs.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens the transport to the engine.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials the engine over a websocket. An empty origin sends
// no Origin header; readLimit <= 0 keeps the library default.
func WebsocketDialer(origin string, readLimit int64) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		opts := &websocket.DialOptions{}
		if origin != "" {
			opts.HTTPHeader = http.Header{"Origin": []string{origin}}
		}
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return conn, nil
	}
}
