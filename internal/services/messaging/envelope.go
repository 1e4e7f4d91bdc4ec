package messaging

import (
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/brainrot/internal/models"
)

// receivePayload is what both signal-cli (JSON-RPC "receive" params) and
// signal-cli-rest-api (websocket frames) deliver per incoming envelope
type receivePayload struct {
	Envelope envelope `json:"envelope"`
	Account  string   `json:"account"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *dataMessage `json:"dataMessage"`
	SyncMessage  *syncMessage `json:"syncMessage"`
}

type dataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *groupInfo `json:"groupInfo"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
}

type syncMessage struct {
	SentMessage *sentMessage `json:"sentMessage"`
}

type sentMessage struct {
	Destination       string     `json:"destination"`
	DestinationNumber string     `json:"destinationNumber"`
	Timestamp         int64      `json:"timestamp"`
	Message           string     `json:"message"`
	GroupInfo         *groupInfo `json:"groupInfo"`
}

// toInbound converts an envelope into an InboundMessage. Receipts, typing
// notifications and other envelopes without text report false. Messages
// the account sends to itself from another device are kept as note-to-self.
func (p receivePayload) toInbound(account string) (models.InboundMessage, bool) {
	env := p.Envelope
	if account == "" {
		account = p.Account
	}

	if dm := env.DataMessage; dm != nil && strings.TrimSpace(dm.Message) != "" {
		sender := firstNonEmpty(env.SourceNumber, env.Source, env.SourceUUID)
		if sender == "" {
			return models.InboundMessage{}, false
		}
		ts := firstNonZero(dm.Timestamp, env.Timestamp)
		msg := models.InboundMessage{
			SenderID:  sender,
			MessageID: strconv.FormatInt(ts, 10),
			Text:      dm.Message,
			Timestamp: time.UnixMilli(ts),
		}
		if dm.GroupInfo != nil {
			msg.GroupID = dm.GroupInfo.GroupID
		}
		return msg, true
	}

	if sm := env.SyncMessage; sm != nil && sm.SentMessage != nil {
		sent := sm.SentMessage
		dest := firstNonEmpty(sent.DestinationNumber, sent.Destination)
		if account == "" || dest != account || sent.GroupInfo != nil || strings.TrimSpace(sent.Message) == "" {
			return models.InboundMessage{}, false
		}
		ts := firstNonZero(sent.Timestamp, env.Timestamp)
		return models.InboundMessage{
			SenderID:   account,
			MessageID:  strconv.FormatInt(ts, 10),
			Text:       sent.Message,
			Timestamp:  time.UnixMilli(ts),
			NoteToSelf: true,
		}, true
	}

	return models.InboundMessage{}, false
}

// quoteTimestamp returns the quoted message timestamp, zero when the
// outbound message does not quote or the id is not a signal timestamp
func quoteTimestamp(msg models.OutboundMessage) int64 {
	if msg.QuoteMessageID == "" {
		return 0
	}
	ts, err := strconv.ParseInt(msg.QuoteMessageID, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

var unreachableFragments = []string{
	"unregistered",
	"not registered",
	"untrusted",
	"identity",
	"invalid recipient",
	"invalid phone number",
	"unknown group",
	"not a member",
}

// deliveryKind maps a signal error message to a delivery error kind
func deliveryKind(message string) models.DeliveryErrorKind {
	lower := strings.ToLower(message)
	for _, f := range unreachableFragments {
		if strings.Contains(lower, f) {
			return models.DeliveryRecipientUnreachable
		}
	}
	return models.DeliveryTransport
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return time.Now().UnixMilli()
}
