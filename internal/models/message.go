package models

import (
	"fmt"
	"time"
)

// InboundMessage is a text message received from the messaging transport
type InboundMessage struct {
	SenderID   string    `json:"sender_id"`
	MessageID  string    `json:"message_id"`
	Text       string    `json:"text"`
	GroupID    string    `json:"group_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	NoteToSelf bool      `json:"note_to_self,omitempty"` // Sent from the bot's own account to itself
}

// Correlation builds the job correlation for this message
func (m InboundMessage) Correlation() Correlation {
	return Correlation{
		SenderID:  m.SenderID,
		MessageID: m.MessageID,
		Text:      m.Text,
		GroupID:   m.GroupID,
		Received:  m.Timestamp.UnixMilli(),
	}
}

// OutboundMessage is a reply handed to the messaging transport
type OutboundMessage struct {
	RecipientID string `json:"recipient_id"`
	GroupID     string `json:"group_id,omitempty"`
	Text        string `json:"text"`

	// Quote fields reference the inbound message being answered.
	// Transports that cannot quote ignore them.
	QuoteMessageID string `json:"quote_message_id,omitempty"`
	QuoteAuthor    string `json:"quote_author,omitempty"`
	QuoteText      string `json:"quote_text,omitempty"`
}

// DeliveryReceipt acknowledges a sent message
type DeliveryReceipt struct {
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryErrorKind classifies why a send failed
type DeliveryErrorKind string

const (
	DeliveryRecipientUnreachable DeliveryErrorKind = "recipient_unreachable"
	DeliveryTransport            DeliveryErrorKind = "transport"
)

// DeliveryError is returned by messaging transports when a send fails
type DeliveryError struct {
	Kind DeliveryErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery failed: %s", e.Kind)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the send cannot help
func (e *DeliveryError) Permanent() bool {
	return e.Kind == DeliveryRecipientUnreachable
}
