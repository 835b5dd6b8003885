package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one frame from the /ws observer endpoint.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Observer consumes the lifecycle event stream.
type Observer struct {
	conn   *websocket.Conn
	events chan *Event
	once   sync.Once
}

// ConnectObserver opens the /ws stream. Close the returned Observer or
// cancel the context to stop.
func (c *Client) ConnectObserver(ctx context.Context) (*Observer, error) {
	wsURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect observer: %w", err)
	}

	o := &Observer{
		conn:   conn,
		events: make(chan *Event, 64),
	}

	go func() {
		defer o.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			select {
			case o.events <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return o, nil
}

// Events returns the stream; closed when the connection drops.
func (o *Observer) Events() <-chan *Event {
	return o.events
}

// Close shuts the connection down.
func (o *Observer) Close() error {
	var err error
	o.once.Do(func() {
		err = o.conn.Close()
		close(o.events)
	})
	return err
}
