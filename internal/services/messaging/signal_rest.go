// -----------------------------------------------------------------------
// signal-cli-rest-api transport - websocket receive, REST send
// -----------------------------------------------------------------------

package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/httpclient"
	"github.com/ternarybob/brainrot/internal/models"
)

type restSendRequest struct {
	Message        string   `json:"message"`
	Number         string   `json:"number"`
	Recipients     []string `json:"recipients"`
	QuoteTimestamp int64    `json:"quote_timestamp,omitempty"`
	QuoteAuthor    string   `json:"quote_author,omitempty"`
	QuoteMessage   string   `json:"quote_message,omitempty"`
}

type restSendResponse struct {
	Timestamp string `json:"timestamp"`
}

// SignalREST implements interfaces.Messenger against a signal-cli-rest-api
// container running in json-rpc mode
type SignalREST struct {
	baseURL        *url.URL
	account        string
	client         *http.Client
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         arbor.ILogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewSignalREST creates the transport
func NewSignalREST(account string, config common.SignalRESTConfig, logger arbor.ILogger) (*SignalREST, error) {
	if account == "" {
		return nil, fmt.Errorf("messaging.account is required for signal-rest")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid signal_rest.base_url '%s'", config.BaseURL)
	}

	reconnect, err := parseDurationDefault(config.ReconnectDelay, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid signal_rest.reconnect_delay: %w", err)
	}
	timeout, err := parseDurationDefault(config.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid signal_rest.request_timeout: %w", err)
	}

	return &SignalREST{
		baseURL:        base,
		account:        account,
		client:         httpclient.NewDefaultHTTPClient(timeout),
		dialer:         &websocket.Dialer{HandshakeTimeout: timeout},
		reconnectDelay: reconnect,
		logger:         logger,
	}, nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (r *SignalREST) receiveURL() string {
	u := *r.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/receive/" + url.PathEscape(r.account)
	return u.String()
}

// Receive keeps a websocket open to /v1/receive and reconnects after
// failures until ctx is cancelled or Close is called
func (r *SignalREST) Receive(ctx context.Context) (<-chan models.InboundMessage, error) {
	out := make(chan models.InboundMessage)
	common.SafeGo(r.logger, "signal-rest-receive", func() {
		defer close(out)
		for {
			if err := r.receiveOnce(ctx, out); err != nil && ctx.Err() == nil && !r.isClosed() {
				r.logger.Warn().Err(err).Dur("retry_in", r.reconnectDelay).Msg("Signal receive stream dropped")
			}
			if ctx.Err() != nil || r.isClosed() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.reconnectDelay):
			}
		}
	})
	return out, nil
}

func (r *SignalREST) receiveOnce(ctx context.Context, out chan<- models.InboundMessage) error {
	conn, _, err := r.dialer.DialContext(ctx, r.receiveURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.conn = conn
	r.mu.Unlock()

	r.logger.Info().Str("url", r.receiveURL()).Msg("Signal receive stream connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var payload receivePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			r.logger.Debug().Err(err).Msg("Ignoring malformed receive frame")
			continue
		}
		msg, ok := payload.toInbound(r.account)
		if !ok {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send posts to /v2/send
func (r *SignalREST) Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryReceipt, error) {
	req := restSendRequest{
		Message: msg.Text,
		Number:  r.account,
	}
	if msg.GroupID != "" {
		req.Recipients = []string{restGroupID(msg.GroupID)}
	} else {
		req.Recipients = []string{msg.RecipientID}
	}
	if ts := quoteTimestamp(msg); ts != 0 {
		req.QuoteTimestamp = ts
		req.QuoteAuthor = msg.QuoteAuthor
		req.QuoteMessage = msg.QuoteText
	}

	u := *r.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/v2/send"

	var resp restSendResponse
	if err := httpclient.DoJSON(ctx, r.client, http.MethodPost, u.String(), req, &resp); err != nil {
		return models.DeliveryReceipt{}, restDeliveryError(err)
	}

	receipt := models.DeliveryReceipt{MessageID: resp.Timestamp, Timestamp: time.Now()}
	if ts, err := strconv.ParseInt(resp.Timestamp, 10, 64); err == nil {
		receipt.Timestamp = time.UnixMilli(ts)
	}
	return receipt, nil
}

// restGroupID converts the internal group id seen on receive into the
// "group.<base64>" form the REST API expects
func restGroupID(id string) string {
	if strings.HasPrefix(id, "group.") {
		return id
	}
	return "group." + base64.StdEncoding.EncodeToString([]byte(id))
}

func restDeliveryError(err error) *models.DeliveryError {
	var status *httpclient.StatusError
	if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 {
		return &models.DeliveryError{Kind: deliveryKind(status.Body), Err: err}
	}
	return &models.DeliveryError{Kind: models.DeliveryTransport, Err: err}
}

func (r *SignalREST) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close drops the receive stream and stops reconnecting
func (r *SignalREST) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
