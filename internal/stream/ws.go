package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/howard-nolan/difyrelay/internal/provider"
	"github.com/tidwall/sjson"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSSink delivers events as {"event": kind, "data": payload} text
// messages on a WebSocket and ends the stream with a close frame: 1000
// on success, 1011 on error.
type WSSink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	gone    bool
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWSSink wraps an upgraded connection. The sink owns conn from here
// on and closes it in Close.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn, stop: make(chan struct{})}
}

// Watch reads (and discards) client frames so control frames are
// processed, pinging the peer periodically. When the peer goes away it
// calls onGone, which is how a session learns of a disconnect between
// deliveries. It returns once the connection is closed.
func (s *WSSink) Watch(onGone func()) {
	_ = s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	go s.heartbeat()

	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			s.writeMu.Lock()
			s.gone = true
			s.writeMu.Unlock()
			s.halt()
			if onGone != nil {
				onGone()
			}
			return
		}
	}
}

func (s *WSSink) heartbeat() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *WSSink) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Deliver writes one event envelope.
func (s *WSSink) Deliver(ctx context.Context, ev Event) error {
	msg, err := envelope(ev)
	if err != nil {
		return provider.NewInternalError("encoding websocket event", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.gone || s.closed || ctx.Err() != nil {
		s.gone = true
		return provider.ErrSinkDisconnected
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		s.gone = true
		return provider.ErrSinkDisconnected
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		s.gone = true
		return provider.ErrSinkDisconnected
	}
	return nil
}

// Close sends the close frame for outcome and closes the connection.
func (s *WSSink) Close(outcome Outcome) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.halt()

	if !s.gone {
		code, text := websocket.CloseNormalClosure, "done"
		if outcome != OutcomeDone {
			code, text = websocket.CloseInternalServerErr, string(outcome)
		}
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteTimeout))
	}
	_ = s.conn.Close()
}

func envelope(ev Event) ([]byte, error) {
	msg, err := sjson.SetBytes([]byte(`{}`), "event", ev.Kind)
	if err != nil {
		return nil, err
	}
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	return sjson.SetRawBytes(msg, "data", payload)
}
