package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/signaling"
)

// Signaler is the orchestrator's view of the relay connection.
type Signaler interface {
	Send(event string, payload interface{}) error
	Events() <-chan signaling.Message
	Close() error
}

// SignalClient is a WebSocket connection to the signaling relay,
// authenticated with a short-lived signaling token.
type SignalClient struct {
	conn   *websocket.Conn
	events chan signaling.Message
	logger *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
}

// DialSignaling connects to the relay's WebSocket endpoint.
func DialSignaling(ctx context.Context, relayURL, token string, logger *zap.Logger) (*SignalClient, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &SignalClient{
		conn:   conn,
		events: make(chan signaling.Message, 256),
		logger: logger,
	}
	go c.readLoop()
	return c, nil
}

func (c *SignalClient) readLoop() {
	defer close(c.events)
	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case c.events <- msg:
		default:
			c.logger.Warn("signal event buffer full, dropping", zap.String("event", msg.Event))
		}
	}
}

// Send writes one message to the relay.
func (c *SignalClient) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(signaling.Message{Event: event, Data: data})
}

// Events returns the inbound message stream. Closed when the connection
// drops.
func (c *SignalClient) Events() <-chan signaling.Message {
	return c.events
}

// Close shuts the connection down. Idempotent.
func (c *SignalClient) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
