// Package client is the Go side of the realtime chat: it keeps one
// connection to the server over the persistent channel or the polling
// fallback, reconnects within a fixed budget, and reconciles optimistic
// sends with what the server echoes back.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/logger"
	"socialchat/internal/model"
)

// Defaults. The heartbeat stays below the server's 30s liveness sweep.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxRetries        = 3
	DefaultPollInterval      = 5 * time.Second
)

var (
	// ErrAuthRejected is terminal: retrying cannot succeed without a new token.
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyStarted   = errors.New("manager already started")
)

type Options struct {
	BaseURL   string
	Token     string
	Transport Transport

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxRetries        int
	PollInterval      time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
	NewID      func() string
}

// Manager owns one logical connection and its reconnect state machine.
type Manager struct {
	opts  Options
	self  model.Identity
	store *Store
	log   *zap.Logger

	mu        sync.Mutex
	state     State
	err       error
	sess      session
	cursor    string
	observers map[int]func(Event)
	nextObs   int
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("%w: no token", ErrAuthRejected)
	}
	if opts.Transport == "" {
		opts.Transport = TransportWebSocket
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	// Unverified: only used to tell our own messages from others'.
	self, _ := auth.Peek(opts.Token)

	return &Manager{
		opts:      opts,
		self:      self,
		store:     NewStore(),
		log:       logger.OrNop(opts.Logger).With(zap.String("transport", string(opts.Transport))),
		state:     StateIdle,
		observers: make(map[int]func(Event)),
		done:      make(chan struct{}),
	}, nil
}

func (m *Manager) Self() model.Identity          { return m.self }
func (m *Manager) Transport() Transport          { return m.opts.Transport }
func (m *Manager) Store() *Store                 { return m.store }
func (m *Manager) Done() <-chan struct{}         { return m.done }
func (m *Manager) Messages() []model.ChatMessage { return m.store.Messages() }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the reason the manager reached Disconnected, nil after Stop.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Subscribe registers fn for every event until the returned func is called.
// fn runs on the manager's goroutines and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.state == s && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	if err != nil {
		m.err = err
	}
	m.mu.Unlock()

	m.log.Debug("state changed", zap.Stringer("state", s), zap.Error(err))
	m.emit(Event{Kind: EventState, State: s, Err: err})
}

// Start begins connecting in the background. The manager runs until ctx is
// cancelled, Stop is called, or it reaches a terminal error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop cancels any pending reconnect, closes the session and waits for the
// manager to settle in Disconnected.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	retries := 0
	for {
		m.setState(StateConnecting, nil)
		sess, err := m.connect(ctx)
		if err == nil {
			retries = 0
			m.setSession(sess)
			m.setState(StateConnected, nil)
			err = sess.serve(ctx)
			m.setSession(nil)
			sess.close()
		}

		switch {
		case ctx.Err() != nil:
			m.setState(StateDisconnected, nil)
			return
		case errors.Is(err, ErrAuthRejected):
			m.log.Warn("authentication rejected", zap.Error(err))
			m.setState(StateDisconnected, err)
			return
		case retries >= m.opts.MaxRetries:
			err = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retries, err)
			m.log.Error("giving up", zap.Error(err))
			m.setState(StateDisconnected, err)
			return
		}

		retries++
		m.log.Info("connection lost, reconnecting",
			zap.Int("attempt", retries),
			zap.Int("max", m.opts.MaxRetries),
			zap.Error(err))
		m.setState(StateReconnecting, nil)

		timer := time.NewTimer(m.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected, nil)
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) connect(ctx context.Context) (session, error) {
	switch m.opts.Transport {
	case TransportPolling:
		return openPolling(ctx, m.opts.HTTPClient, m.opts.BaseURL, m.opts.Token, m.lastCursor(), m.opts.PollInterval, m.handle)
	default:
		return dialWebSocket(ctx, m.opts.Dialer, m.opts.BaseURL, m.opts.Token, m.opts.HeartbeatInterval, m.handle)
	}
}

func (m *Manager) setSession(s session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.sess.(*pollSession); ok && s == nil {
		m.cursor = ps.Cursor()
	}
	m.sess = s
}

func (m *Manager) lastCursor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

func (m *Manager) session() session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// handle applies one inbound envelope from either transport.
func (m *Manager) handle(env model.Envelope) {
	payload, err := env.Decode()
	if err != nil {
		m.log.Debug("undecodable envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	switch p := payload.(type) {
	case model.ChatMessage:
		msg, inserted := m.store.Reconcile(p, m.self.ID)
		m.emit(Event{Kind: EventMessage, Message: msg, Inserted: inserted, Envelope: env})
	case model.UserOnline, model.UserOffline:
		m.emit(Event{Kind: EventPresence, Envelope: env})
	case model.ErrorPayload:
		m.emit(Event{Kind: EventServerError, Err: errors.New(p.Message), Envelope: env})
	case model.ConnectionAck:
		m.log.Debug("connection acknowledged", zap.String("connection_id", p.ConnectionID))
	}
}

// SendChatMessage renders content optimistically with status sending and
// transmits it. The entry settles on sent when the server's copy arrives
// carrying the same id. If it cannot be transmitted it is removed again.
//
// The server reassigns an id that another sender already used. Polling sees
// the new id in the POST response and moves the entry to it. The persistent
// channel has no per-send reply, so there the entry stays sending next to the
// server's copy.
func (m *Manager) SendChatMessage(ctx context.Context, content string) (model.ChatMessage, error) {
	msg := model.ChatMessage{
		ID:         m.opts.NewID(),
		Content:    content,
		SenderID:   m.self.ID,
		SenderName: m.self.DisplayName,
		Timestamp:  model.FormatTime(time.Now()),
		Status:     model.StatusSending,
	}
	if err := msg.Validate(); err != nil {
		return model.ChatMessage{}, err
	}

	sess := m.session()
	if sess == nil {
		return model.ChatMessage{}, ErrNotConnected
	}

	m.store.AddLocal(msg)
	m.emit(Event{Kind: EventMessage, Message: msg, Inserted: true})

	reply, err := sess.send(ctx, msg)
	if err != nil {
		m.store.Remove(msg.ID)
		return model.ChatMessage{}, fmt.Errorf("send chat message: %w", err)
	}

	id := msg.ID
	if reply.Type != "" {
		if p, err := reply.Decode(); err == nil {
			if echoed, ok := p.(model.ChatMessage); ok && echoed.ID != "" && echoed.ID != id {
				m.log.Debug("server reassigned message id", zap.String("local_id", id), zap.String("id", echoed.ID))
				m.store.Rekey(id, echoed.ID)
				id = echoed.ID
			}
		}
		m.handle(reply)
	}
	if current, ok := m.store.Get(id); ok {
		return current, nil
	}
	return msg, nil
}
