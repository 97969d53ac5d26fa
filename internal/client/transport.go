package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const pingWait = 5 * time.Second

// wsTransport adapts a gorilla websocket connection to Transport. Writes
// are serialized; the controller's run loop and the GPS forwarder may
// write concurrently.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial opens a websocket transport. Default Dialer for Controller.
func Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait))
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
