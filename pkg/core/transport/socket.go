package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/callbridge/pkg/core"
)

// socket control messages ride as text frames alongside binary audio.
type socketControl struct {
	Event  string `json:"event"`
	CallID string `json:"call_id,omitempty"`
}

// Socket is an Adapter over a websocket connection. Binary messages carry
// audio payloads; text messages carry JSON control events. A "stop"
// control event ends the stream from the far side.
type Socket struct {
	conn    *websocket.Conn
	info    CallInfo
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// NewSocket wraps an established websocket connection, typically one the
// gateway just upgraded.
func NewSocket(conn *websocket.Conn, info CallInfo) *Socket {
	return &Socket{
		conn: conn,
		info: info,
		done: make(chan struct{}),
	}
}

// DialSocket connects to a remote audio socket with bounded retries.
func DialSocket(ctx context.Context, url string, header http.Header, info CallInfo, retry RetryConfig) (*Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	var conn *websocket.Conn
	err := withRetry(ctx, retry, func() error {
		c, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return fmt.Errorf("socket connect (status %d): %w", resp.StatusCode, err)
			}
			return fmt.Errorf("socket connect: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, core.NewTransportError("socket", false, err)
	}
	return NewSocket(conn, info), nil
}

// Info returns call metadata for this leg.
func (s *Socket) Info() CallInfo { return s.info }

// Receive returns the next inbound audio payload. Control events are
// consumed internally; a far-side stop surfaces as io.EOF.
func (s *Socket) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, io.EOF
		default:
		}

		if deadline, ok := ctx.Deadline(); ok {
			s.conn.SetReadDeadline(deadline)
		} else {
			s.conn.SetReadDeadline(time.Time{})
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if s.closed.Load() {
				return nil, io.EOF
			}
			return nil, core.NewTransportError("socket", true, err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			var ctl socketControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			if ctl.Event == "stop" {
				return nil, io.EOF
			}
		}
	}
}

// Send writes one outbound audio payload as a binary message.
func (s *Socket) Send(payload []byte) error {
	if s.closed.Load() {
		return core.NewTransportError("socket", false, io.ErrClosedPipe)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return core.NewTransportError("socket", true, err)
	}
	return nil
}

// SendControl writes a JSON control event as a text message.
func (s *Socket) SendControl(event string) error {
	data, err := json.Marshal(socketControl{Event: event, CallID: s.info.CallID})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewTransportError("socket", true, err)
	}
	return nil
}

// Close sends a close frame and tears down the connection. Safe to call
// more than once.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
