package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// MethodFunc handles the raw arguments of one method.
type MethodFunc func(ctx context.Context, args json.RawMessage) error

// Server dispatches a role's topic to its registered methods.
type Server struct {
	transport Transport
	topic     string
	logger    *slog.Logger

	mu      sync.RWMutex
	methods map[string]MethodFunc
}

func NewServer(t Transport, prefix string, topic Topic, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	name := TopicName(prefix, topic)
	return &Server{
		transport: t,
		topic:     name,
		logger:    logger.With("component", "messaging", "topic", name),
		methods:   make(map[string]MethodFunc),
	}
}

func (s *Server) Register(method string, fn MethodFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.methods[method]; dup {
		return fmt.Errorf("method %s already registered on %s", method, s.topic)
	}
	s.methods[method] = fn
	return nil
}

// Handle registers fn for method, decoding the arguments into T.
func Handle[T any](s *Server, method string, fn func(ctx context.Context, args T) error) error {
	return s.Register(method, func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode %s args: %w", method, err)
		}
		return fn(ctx, args)
	})
}

// Serve consumes the topic until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving")
	return s.transport.Consume(ctx, s.topic, s.Dispatch)
}

// Dispatch runs one message. Handler failures are logged and the message
// is acknowledged; casts are not retried.
func (s *Server) Dispatch(ctx context.Context, msg Message) error {
	s.mu.RLock()
	fn, ok := s.methods[msg.Method]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("unknown method", "method", msg.Method, "message", msg.ID)
		return nil
	}
	if err := fn(ctx, msg.Args); err != nil {
		s.logger.Error("handler failed", "method", msg.Method, "message", msg.ID, "error", err)
	}
	return nil
}
