package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"

	"github.com/BaSui01/serveflow/messages"
)

// WebSocket carries envelope frames over a websocket connection to a worker
// process.
type WebSocket struct {
	conn *websocket.Conn
}

// DialWebSocket connects to a worker's websocket endpoint.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", url, err)
	}
	// Worker responses for large batches can be sizeable.
	conn.SetReadLimit(64 << 20)
	return &WebSocket{conn: conn}, nil
}

// NewWebSocket wraps an accepted connection, used on the side that listens
// for workers dialing in.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(64 << 20)
	return &WebSocket{conn: conn}
}

// Send implements Transport.
func (t *WebSocket) Send(ctx context.Context, env messages.RequestEnvelope) error {
	frame, err := messages.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	return nil
}

// Receive implements Transport.
func (t *WebSocket) Receive(ctx context.Context) (*messages.WorkerResponse, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}
	return messages.DecodeResponse(data)
}

// Close implements Transport.
func (t *WebSocket) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
