package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/polravi/mapmyactivities/internal/notify"
)

// Notifications opens the change notification socket. Every changes message
// the server sends is delivered on the returned channel, which is closed
// when the connection ends or ctx is cancelled. Slow consumers lose
// messages rather than stalling the socket; a notification is only a hint
// to pull.
func (c *Client) Notifications(ctx context.Context) (<-chan notify.Message, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/notify"

	// The socket outlives any request timeout; ctx bounds it instead.
	hc := *c.http
	hc.Timeout = 0

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to open notification socket: %w", err)
	}

	out := make(chan notify.Message, 16)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg notify.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type != notify.MessageTypeChanges {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()
	return out, nil
}
