package ws

import (
	"io"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Terminal adapts a websocket connection into the stdin/stdout pipe pair an
// exec session expects. Reads return the payload of incoming frames; writes
// emit binary frames. Safe for one concurrent reader and multiple writers.
type Terminal struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu  sync.Mutex
	leftover []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewTerminal wraps an upgraded websocket connection.
func NewTerminal(conn *websocket.Conn, logger *slog.Logger) *Terminal {
	t := &Terminal{conn: conn, log: logger, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go t.pingLoop()
	return t
}

// Read returns the next chunk of terminal input. A closed connection reads as
// io.EOF so the exec stream shuts down cleanly.
func (t *Terminal) Read(p []byte) (int, error) {
	if len(t.leftover) > 0 {
		n := copy(p, t.leftover)
		t.leftover = t.leftover[n:]
		return n, nil
	}
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, io.EOF
		}
		return 0, err
	}
	t.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	n := copy(p, payload)
	if n < len(payload) {
		t.leftover = payload[n:]
	}
	return n, nil
}

// Write sends terminal output to the client as a binary frame.
func (t *Terminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		t.log.Warn("terminal write failed", "error", err)
		return 0, err
	}
	return len(p), nil
}

// WriteStatus sends a text frame outside the output stream, used for
// connection-level notices like session errors.
func (t *Terminal) WriteStatus(message string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		t.log.Warn("terminal status write failed", "error", err)
	}
}

// Close shuts the connection down. Idempotent.
func (t *Terminal) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
}

func (t *Terminal) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
