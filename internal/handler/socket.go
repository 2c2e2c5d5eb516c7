package handler

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait     = 10 * time.Second
	defaultSendQueueSize = 256
	maxFrameBytes        = 1 << 20

	// Room for connection_ack and live traffic on top of a full replay.
	replayHeadroom = 64
)

var (
	errSocketClosed  = errors.New("socket closed")
	errSendQueueFull = errors.New("send queue full")
)

// socket adapts a *websocket.Conn to registry.Handle. All data frames go
// through one writer goroutine so per-recipient order is the order Send was
// called in. Control frames use WriteControl, which gorilla allows
// concurrently with the writer.
type socket struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
}

// sendQueueFor sizes the per-socket queue so a join can queue the ack and the
// whole history replay without tripping the overflow close.
func sendQueueFor(historyCapacity int) int {
	return max(defaultSendQueueSize, historyCapacity+replayHeadroom)
}

func newSocket(conn *websocket.Conn, writeWait time.Duration, queue int) *socket {
	return &socket{
		conn:      conn,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		writeWait: writeWait,
	}
}

// Send queues payload without blocking. A full queue means the peer cannot
// keep up; the socket is closed and the read loop cleans up.
func (s *socket) Send(payload []byte) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSocketClosed
	default:
		s.Close()
		return errSendQueueFull
	}
}

func (s *socket) Ping() error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// Close drops anything still queued and closes the connection.
func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// CloseWith sends a close frame carrying code before closing.
func (s *socket) CloseWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.writeWait))
	s.Close()
}

// writePump drains the queue until the socket closes or a write fails.
func (s *socket) writePump() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
