// Package chat owns the rules both transports share: how an inbound chat
// message becomes a stored ChatMessage, and how a new persistent connection
// is greeted with its history replay.
package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialchat/internal/history"
	"socialchat/internal/logger"
	"socialchat/internal/metrics"
	"socialchat/internal/model"
	"socialchat/internal/registry"
)

// Transport names used for logging and metrics.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Archiver receives every newly published message. Implementations must not block.
type Archiver interface {
	Enqueue(msg model.ChatMessage)
}

// Options configure a Service.
type Options struct {
	History  *history.Buffer
	Registry *registry.Registry
	Archiver Archiver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
	NewID    func() string
}

// Service publishes chat messages and admits persistent connections.
//
// Publishing (append + broadcast) and joining (admit + replay) are serialized
// so a message is seen by a joining connection exactly once, either in its
// replay or live, never both.
type Service struct {
	mu sync.Mutex

	history  *history.Buffer
	registry *registry.Registry
	archiver Archiver
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

// New builds a Service.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.History == nil {
		opts.History = history.New(history.DefaultCapacity)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	return &Service{
		history:  opts.History,
		registry: opts.Registry,
		archiver: opts.Archiver,
		log:      logger.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		now:      opts.Clock,
		newID:    opts.NewID,
	}
}

// History returns the backing buffer.
func (s *Service) History() *history.Buffer { return s.history }

// Registry returns the backing registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Publish turns an inbound message from sender into a stored ChatMessage,
// appends it to history and broadcasts it to every connection, the sender's
// own included. Only the id and content of in are read; sender fields,
// timestamp and status are always derived here. The second result is false
// when in repeats an id the same sender already published and nothing new
// was stored.
func (s *Service) Publish(sender model.Identity, in model.ChatMessage, transport string) (model.ChatMessage, bool, error) {
	if err := in.Validate(); err != nil {
		return model.ChatMessage{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(in.ID)
	if id != "" {
		if existing, ok := s.history.Find(id); ok {
			if existing.SenderID == sender.ID {
				s.log.Debug("duplicate chat message ignored",
					zap.String("message_id", id),
					zap.String("sender_id", sender.ID))
				return existing, false, nil
			}
			s.log.Info("client message id collides with another sender, reassigning",
				zap.String("message_id", id),
				zap.String("sender_id", sender.ID),
				zap.String("owner_id", existing.SenderID))
			id = ""
		}
	}
	if id == "" {
		id = s.newID()
	}

	msg := model.ChatMessage{
		ID:         id,
		Content:    in.Content,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		Timestamp:  model.FormatTime(s.now()),
		Status:     model.StatusSent,
	}

	s.history.Append(msg)
	delivered := s.registry.Broadcast(model.MustWrap(msg), nil)
	if s.archiver != nil {
		s.archiver.Enqueue(msg)
	}
	s.metrics.MessagePublished(transport)

	s.log.Info("chat message published",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", sender.ID),
		zap.String("transport", transport),
		zap.Int("delivered", delivered))
	return msg, true, nil
}

// Join admits a persistent connection and queues, ahead of any live traffic,
// a connection_ack followed by one chat_message envelope per buffered message.
func (s *Service) Join(identity model.Identity, handle registry.Handle) *registry.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registry.Admit(identity, handle, func(c *registry.Connection) {
		ack := model.ConnectionAck{
			Message:      "connected",
			ConnectionID: c.ID,
			Timestamp:    model.FormatTime(s.now()),
		}
		if err := s.registry.Send(c, model.MustWrap(ack)); err != nil {
			s.log.Warn("queue connection_ack", zap.String("connection_id", c.ID), zap.Error(err))
			return
		}
		replayed := 0
		for msg := range s.history.Since("") {
			if err := s.registry.Send(c, model.MustWrap(msg)); err != nil {
				s.log.Warn("queue history replay", zap.String("connection_id", c.ID), zap.Error(err))
				return
			}
			replayed++
		}
		s.log.Debug("history replayed", zap.String("connection_id", c.ID), zap.Int("messages", replayed))
	})
}

// Leave removes a connection. It is safe to call after an eviction.
func (s *Service) Leave(connectionID string) bool {
	return s.registry.Remove(connectionID)
}

// Since returns the buffered messages after cursor.
func (s *Service) Since(cursor string) []model.ChatMessage {
	return s.history.SnapshotSince(cursor)
}
