package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
	"github.com/ternarybob/brainrot/internal/services/links"
)

// Intaker accepts detected links. Implementations must not block on pipeline work.
type Intaker interface {
	Intake(link models.SourceLink, correlation models.Correlation) (string, error)
}

// Listener turns inbound messages into jobs
type Listener struct {
	messenger interfaces.Messenger
	intaker   Intaker
	allowed   map[string]bool
	logger    arbor.ILogger
}

// NewListener creates a listener. An empty allowedSenders list accepts everyone.
func NewListener(messenger interfaces.Messenger, intaker Intaker, allowedSenders []string, logger arbor.ILogger) *Listener {
	allowed := make(map[string]bool, len(allowedSenders))
	for _, s := range allowedSenders {
		allowed[s] = true
	}
	return &Listener{
		messenger: messenger,
		intaker:   intaker,
		allowed:   allowed,
		logger:    logger,
	}
}

// Run consumes the inbound stream until ctx is cancelled or the stream closes
func (l *Listener) Run(ctx context.Context) error {
	inbound, err := l.messenger.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to start receiving: %w", err)
	}

	l.logger.Info().Msg("Listening for messages")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("inbound stream closed")
			}
			l.Handle(msg)
		}
	}
}

// Handle detects links in one message and hands each to intake.
// It returns the ids of the jobs created.
func (l *Listener) Handle(msg models.InboundMessage) []string {
	if len(l.allowed) > 0 && !l.allowed[msg.SenderID] {
		l.logger.Debug().Str("sender", msg.SenderID).Msg("Ignoring message from sender not on the allow list")
		return nil
	}

	detected := links.Detect(msg.Text)
	if len(detected) == 0 {
		return nil
	}

	l.logger.Info().
		Str("sender", msg.SenderID).
		Int("links", len(detected)).
		Msg("Links detected")

	correlation := msg.Correlation()
	var ids []string
	for _, link := range detected {
		id, err := l.intaker.Intake(link, correlation)
		if err != nil {
			if !errors.Is(err, ErrDuplicateLink) {
				l.logger.Error().Err(err).Str("url", link.URL).Msg("Failed to create job")
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
