package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"socialchat/internal/model"
)

// Close codes the server uses to reject a handshake token.
const (
	closeMissingToken = 4001
	closeInvalidToken = 4002
)

// session is one established connection over either transport. serve blocks
// until the connection fails or ctx ends. send returns the server's copy of
// the message when the transport answers synchronously, otherwise a zero
// Envelope; the copy then arrives through deliver.
type session interface {
	serve(ctx context.Context) error
	send(ctx context.Context, msg model.ChatMessage) (model.Envelope, error)
	close()
}

type deliverFunc func(model.Envelope)

// wsSession speaks the persistent channel.
type wsSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	heartbeat time.Duration
	deliver   deliverFunc
}

func realtimeURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// dialWebSocket opens the socket and waits for connection_ack. A close with
// one of the reserved auth codes is reported as ErrAuthRejected.
func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, base, token string, heartbeat time.Duration, deliver deliverFunc) (*wsSession, error) {
	target, err := realtimeURL(base, token)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	type ackResult struct {
		env model.Envelope
		err error
	}
	ackCh := make(chan ackResult, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			ackCh <- ackResult{err: err}
			return
		}
		env, err := model.ParseEnvelope(data)
		ackCh <- ackResult{env: env, err: err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case res := <-ackCh:
		if res.err != nil {
			conn.Close()
			return nil, classifyReadError(res.err)
		}
		if res.env.Type != model.TypeConnectionAck {
			conn.Close()
			return nil, fmt.Errorf("expected connection_ack, got %s", res.env.Type)
		}
		_ = conn.SetReadDeadline(time.Time{})
		deliver(res.env)
	}

	return &wsSession{conn: conn, heartbeat: heartbeat, deliver: deliver}, nil
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == closeMissingToken || ce.Code == closeInvalidToken) {
		return fmt.Errorf("%w: close %d %s", ErrAuthRejected, ce.Code, ce.Text)
	}
	return fmt.Errorf("websocket read: %w", err)
}

func (s *wsSession) serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-stop:
		}
	}()
	go s.heartbeatLoop(stop)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classifyReadError(err)
		}
		env, err := model.ParseEnvelope(data)
		if err != nil {
			continue
		}
		s.deliver(env)
	}
}

// heartbeatLoop keeps the server's liveness sweep from evicting us.
func (s *wsSession) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(model.Heartbeat{Timestamp: model.FormatTime(time.Now())}); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) write(p model.Payload) error {
	raw, err := model.Marshal(p)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsSession) send(_ context.Context, msg model.ChatMessage) (model.Envelope, error) {
	return model.Envelope{}, s.write(model.ChatMessage{ID: msg.ID, Content: msg.Content})
}

func (s *wsSession) close() { s.conn.Close() }

// pollSession emulates the persistent channel with GET/POST /api/messages.
type pollSession struct {
	http     *http.Client
	base     string
	token    string
	interval time.Duration
	deliver  deliverFunc

	mu     sync.Mutex
	cursor string
}

type pollResponse struct {
	Success  bool             `json:"success"`
	Messages []model.Envelope `json:"messages"`
	Cursor   string           `json:"cursor"`
	Message  string           `json:"message"`
}

type postResponse struct {
	Success bool           `json:"success"`
	Data    model.Envelope `json:"data"`
	Message string         `json:"message"`
}

// openPolling performs the first fetch so auth problems surface before the
// manager reports Connected.
func openPolling(ctx context.Context, hc *http.Client, base, token, cursor string, interval time.Duration, deliver deliverFunc) (*pollSession, error) {
	s := &pollSession{
		http:     hc,
		base:     strings.TrimSuffix(base, "/"),
		token:    token,
		interval: interval,
		deliver:  deliver,
		cursor:   cursor,
	}
	if err := s.poll(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *pollSession) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *pollSession) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *pollSession) poll(ctx context.Context) error {
	q := url.Values{}
	if c := s.Cursor(); c != "" {
		q.Set("lastMessageId", c)
	}
	target := s.base + "/api/messages"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var out pollResponse
	if err := s.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return err
	}
	for _, env := range out.Messages {
		s.deliver(env)
	}

	next := out.Cursor
	if next == "" && len(out.Messages) > 0 {
		if m, err := out.Messages[len(out.Messages)-1].Decode(); err == nil {
			if cm, ok := m.(model.ChatMessage); ok {
				next = cm.ID
			}
		}
	}
	if next != "" {
		s.mu.Lock()
		s.cursor = next
		s.mu.Unlock()
	}
	return nil
}

func (s *pollSession) send(ctx context.Context, msg model.ChatMessage) (model.Envelope, error) {
	body, err := model.Marshal(model.ChatMessage{ID: msg.ID, Content: msg.Content})
	if err != nil {
		return model.Envelope{}, err
	}
	var out postResponse
	if err := s.do(ctx, http.MethodPost, s.base+"/api/messages", body, &out); err != nil {
		return model.Envelope{}, err
	}
	return out.Data, nil
}

func (s *pollSession) close() {}

func (s *pollSession) do(ctx context.Context, method, target string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: HTTP %d", method, target, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// Poll performs a single polling fetch after cursor and returns the chat
// messages plus the cursor for the next call.
func Poll(ctx context.Context, hc *http.Client, base, token, cursor string) ([]model.ChatMessage, string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	var msgs []model.ChatMessage
	collect := func(env model.Envelope) {
		if p, err := env.Decode(); err == nil {
			if m, ok := p.(model.ChatMessage); ok {
				msgs = append(msgs, m)
			}
		}
	}
	s, err := openPolling(ctx, hc, base, token, cursor, DefaultPollInterval, collect)
	if err != nil {
		return nil, cursor, err
	}
	return msgs, s.Cursor(), nil
}
