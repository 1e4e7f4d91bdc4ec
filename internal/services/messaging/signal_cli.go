// -----------------------------------------------------------------------
// signal-cli transport - JSON-RPC over the stdin/stdout of `signal-cli jsonRpc`
// -----------------------------------------------------------------------

package messaging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type sendParams struct {
	Recipient      []string `json:"recipient,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	Message        string   `json:"message"`
	QuoteTimestamp int64    `json:"quoteTimestamp,omitempty"`
	QuoteAuthor    string   `json:"quoteAuthor,omitempty"`
	QuoteMessage   string   `json:"quoteMessage,omitempty"`
}

type sendResult struct {
	Timestamp int64 `json:"timestamp"`
	Results   []struct {
		Type string `json:"type"`
	} `json:"results"`
}

// process is the running signal-cli. Tests substitute pipes.
type process struct {
	stdin  io.WriteCloser
	stdout io.Reader
	wait   func() error
}

// SignalCLI implements interfaces.Messenger over a long-running
// `signal-cli jsonRpc` subprocess
type SignalCLI struct {
	account     string
	sendTimeout time.Duration
	logger      arbor.ILogger
	start       func(ctx context.Context) (*process, error)

	startOnce sync.Once
	startErr  error
	ctx       context.Context
	cancel    context.CancelFunc
	proc      *process

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcMessage

	inbound chan models.InboundMessage
	exited  chan struct{}
}

// NewSignalCLI creates the transport. The subprocess starts on first use.
func NewSignalCLI(account string, config common.SignalCLIConfig, logger arbor.ILogger) (*SignalCLI, error) {
	if account == "" {
		return nil, fmt.Errorf("messaging.account is required for signal-cli")
	}
	timeout := 30 * time.Second
	if config.SendTimeout != "" {
		d, err := time.ParseDuration(config.SendTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid send_timeout '%s': %w", config.SendTimeout, err)
		}
		timeout = d
	}

	path := config.Path
	if path == "" {
		path = "signal-cli"
	}
	args := []string{"-a", account, "-o", "json"}
	if config.ConfigDir != "" {
		args = append([]string{"--config", config.ConfigDir}, args...)
	}
	args = append(args, config.ExtraArgs...)
	args = append(args, "jsonRpc")

	s := newSignalCLI(account, timeout, logger, func(ctx context.Context) (*process, error) {
		return startProcess(ctx, path, args, logger)
	})
	return s, nil
}

func newSignalCLI(account string, sendTimeout time.Duration, logger arbor.ILogger, start func(ctx context.Context) (*process, error)) *SignalCLI {
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalCLI{
		account:     account,
		sendTimeout: sendTimeout,
		logger:      logger,
		start:       start,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan rpcMessage),
		inbound:     make(chan models.InboundMessage, 64),
		exited:      make(chan struct{}),
	}
}

func startProcess(ctx context.Context, path string, args []string, logger arbor.ILogger) (*process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = 5 * time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug().Str("source", "signal-cli").Msg(scanner.Text())
		}
	}()

	logger.Info().Str("path", path).Int("pid", cmd.Process.Pid).Msg("signal-cli started")
	return &process{stdin: stdin, stdout: stdout, wait: cmd.Wait}, nil
}

func (s *SignalCLI) ensureStarted() error {
	s.startOnce.Do(func() {
		proc, err := s.start(s.ctx)
		if err != nil {
			s.startErr = fmt.Errorf("failed to start signal-cli: %w", err)
			close(s.exited)
			close(s.inbound)
			return
		}
		s.proc = proc
		common.SafeGo(s.logger, "signal-cli-reader", s.readLoop)
	})
	return s.startErr
}

// readLoop dispatches responses to waiting senders and queues notifications
func (s *SignalCLI) readLoop() {
	defer func() {
		close(s.inbound)
		s.failPending()
		close(s.exited)
		if s.proc.wait != nil {
			if err := s.proc.wait(); err != nil && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("signal-cli exited")
			}
		}
	}()

	scanner := bufio.NewScanner(s.proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("Ignoring non JSON-RPC line from signal-cli")
			continue
		}

		if msg.Method != "" {
			s.handleNotification(msg)
			continue
		}
		if id := rpcID(msg.ID); id != "" {
			s.pendingMu.Lock()
			ch, ok := s.pending[id]
			delete(s.pending, id)
			s.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("signal-cli output stream failed")
	}
}

func (s *SignalCLI) handleNotification(msg rpcMessage) {
	if msg.Method != "receive" {
		return
	}
	var payload receivePayload
	if err := json.Unmarshal(msg.Params, &payload); err != nil {
		s.logger.Debug().Err(err).Msg("Malformed receive notification")
		return
	}
	in, ok := payload.toInbound(s.account)
	if !ok {
		return
	}
	select {
	case s.inbound <- in:
	case <-s.ctx.Done():
	}
}

func (s *SignalCLI) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		ch <- rpcMessage{Error: &rpcError{Code: -1, Message: "signal-cli exited"}}
		delete(s.pending, id)
	}
}

func rpcID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Receive starts signal-cli if needed and streams incoming text messages
func (s *SignalCLI) Receive(ctx context.Context) (<-chan models.InboundMessage, error) {
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	out := make(chan models.InboundMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-s.inbound:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Send issues a JSON-RPC send and waits for its response
func (s *SignalCLI) Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryReceipt, error) {
	if err := s.ensureStarted(); err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Kind: models.DeliveryTransport, Err: err}
	}

	params := sendParams{Message: msg.Text}
	if msg.GroupID != "" {
		params.GroupID = msg.GroupID
	} else {
		params.Recipient = []string{msg.RecipientID}
	}
	if ts := quoteTimestamp(msg); ts != 0 {
		params.QuoteTimestamp = ts
		params.QuoteAuthor = msg.QuoteAuthor
		params.QuoteMessage = msg.QuoteText
	}

	id := common.NewRequestID()
	ch := make(chan rpcMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.write(rpcRequest{JSONRPC: "2.0", Method: "send", Params: params, ID: id}); err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Kind: models.DeliveryTransport, Err: err}
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	var resp rpcMessage
	select {
	case resp = <-ch:
	case <-ctx.Done():
		return models.DeliveryReceipt{}, &models.DeliveryError{Kind: models.DeliveryTransport, Err: ctx.Err()}
	case <-timer.C:
		return models.DeliveryReceipt{}, &models.DeliveryError{Kind: models.DeliveryTransport, Err: fmt.Errorf("no response from signal-cli after %s", s.sendTimeout)}
	}

	if resp.Error != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{
			Kind: deliveryKind(resp.Error.Message + " " + string(resp.Error.Data)),
			Err:  fmt.Errorf("signal-cli error %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}

	var result sendResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Kind: models.DeliveryTransport, Err: fmt.Errorf("malformed send result: %w", err)}
	}
	for _, r := range result.Results {
		if r.Type != "" && r.Type != "SUCCESS" {
			return models.DeliveryReceipt{}, &models.DeliveryError{Kind: deliveryKind(r.Type), Err: fmt.Errorf("send failed: %s", r.Type)}
		}
	}

	return models.DeliveryReceipt{
		MessageID: strconv.FormatInt(result.Timestamp, 10),
		Timestamp: time.UnixMilli(result.Timestamp),
	}, nil
}

func (s *SignalCLI) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.exited:
		return errors.New("signal-cli is not running")
	default:
	}
	_, err = s.proc.stdin.Write(data)
	return err
}

// Close stops the subprocess
func (s *SignalCLI) Close() error {
	s.cancel()
	if s.proc != nil && s.proc.stdin != nil {
		s.writeMu.Lock()
		err := s.proc.stdin.Close()
		s.writeMu.Unlock()
		return err
	}
	return nil
}
