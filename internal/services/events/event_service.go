package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/interfaces"
)

// ErrClosed is returned by Subscribe and Publish after Close
var ErrClosed = errors.New("event service closed")

type subscription struct {
	id      uint64
	types   map[interfaces.EventType]bool // empty matches every type
	handler interfaces.EventHandler
}

func (s subscription) matches(t interfaces.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Service is the in-process job event bus
type Service struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	logger arbor.ILogger
}

// NewService creates an empty event bus
func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

// Subscribe implements interfaces.EventService
func (s *Service) Subscribe(handler interfaces.EventHandler, types ...interfaces.EventType) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.nextID++
	sub := subscription{id: s.nextID, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[interfaces.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	s.subs = append(s.subs, sub)

	s.logger.Debug().
		Int("subscribers", len(s.subs)).
		Int("types", len(types)).
		Msg("Event handler subscribed")

	var once sync.Once
	return func() { once.Do(func() { s.remove(sub.id) }) }, nil
}

func (s *Service) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			// Copy so a Publish holding the old slice is unaffected
			remaining := make([]subscription, 0, len(s.subs)-1)
			remaining = append(remaining, s.subs[:i]...)
			s.subs = append(remaining, s.subs[i+1:]...)
			return
		}
	}
}

// Publish implements interfaces.EventService. A failing or panicking
// handler does not stop the others; their errors are joined.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	subs := s.subs
	s.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if !sub.matches(event.Type) {
			continue
		}
		if err := s.deliver(ctx, sub.handler, event); err != nil {
			s.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Str("job_id", event.Job.JobID).
				Msg("Event handler failed")
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", event.Type, errors.Join(errs...))
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, handler interfaces.EventHandler, event interfaces.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Close drops every subscription; later calls are rejected with ErrClosed
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.subs = nil
	s.logger.Info().Msg("Event service closed")
	return nil
}
