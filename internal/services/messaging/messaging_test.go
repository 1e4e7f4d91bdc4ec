package messaging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

const account = "+15550000"

func TestReceivePayload_ToInbound(t *testing.T) {
	tests := []struct {
		name string
		json string
		ok   bool
		want models.InboundMessage
	}{
		{
			name: "direct message",
			json: `{"envelope":{"sourceNumber":"+15551111","timestamp":1700000000001,"dataMessage":{"timestamp":1700000000001,"message":"look https://vm.tiktok.com/abc"}}}`,
			ok:   true,
			want: models.InboundMessage{SenderID: "+15551111", MessageID: "1700000000001", Text: "look https://vm.tiktok.com/abc", Timestamp: time.UnixMilli(1700000000001)},
		},
		{
			name: "group message",
			json: `{"envelope":{"source":"+15551111","timestamp":5,"dataMessage":{"message":"hi","groupInfo":{"groupId":"Z3JvdXA="}}}}`,
			ok:   true,
			want: models.InboundMessage{SenderID: "+15551111", MessageID: "5", Text: "hi", GroupID: "Z3JvdXA=", Timestamp: time.UnixMilli(5)},
		},
		{
			name: "note to self",
			json: `{"envelope":{"sourceNumber":"+15550000","timestamp":7,"syncMessage":{"sentMessage":{"destinationNumber":"+15550000","timestamp":7,"message":"mine"}}}}`,
			ok:   true,
			want: models.InboundMessage{SenderID: account, MessageID: "7", Text: "mine", Timestamp: time.UnixMilli(7), NoteToSelf: true},
		},
		{
			name: "sync to someone else",
			json: `{"envelope":{"sourceNumber":"+15550000","syncMessage":{"sentMessage":{"destinationNumber":"+15552222","message":"yo"}}}}`,
		},
		{
			name: "receipt",
			json: `{"envelope":{"sourceNumber":"+15551111","timestamp":9,"receiptMessage":{"isDelivery":true}}}`,
		},
		{
			name: "blank text",
			json: `{"envelope":{"sourceNumber":"+15551111","dataMessage":{"message":"   "}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload receivePayload
			require.NoError(t, json.Unmarshal([]byte(tt.json), &payload))
			got, ok := payload.toInbound(account)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDeliveryKind(t *testing.T) {
	assert.Equal(t, models.DeliveryRecipientUnreachable, deliveryKind(`Unregistered user "+1555"`))
	assert.Equal(t, models.DeliveryRecipientUnreachable, deliveryKind("UNTRUSTED_IDENTITY"))
	assert.Equal(t, models.DeliveryRecipientUnreachable, deliveryKind("UNREGISTERED_FAILURE"))
	assert.Equal(t, models.DeliveryTransport, deliveryKind("NETWORK_FAILURE"))
	assert.Equal(t, models.DeliveryTransport, deliveryKind(""))
}

func TestQuoteTimestamp(t *testing.T) {
	assert.Equal(t, int64(42), quoteTimestamp(models.OutboundMessage{QuoteMessageID: "42"}))
	assert.Zero(t, quoteTimestamp(models.OutboundMessage{QuoteMessageID: "abc"}))
	assert.Zero(t, quoteTimestamp(models.OutboundMessage{}))
}

// fakeSignalCLI plays the signal-cli side of the JSON-RPC pipes
type fakeSignalCLI struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	requests []map[string]interface{}
	respond  func(id string, params map[string]interface{}) string
}

func newFakeSignalCLI(t *testing.T, respond func(id string, params map[string]interface{}) string) (*fakeSignalCLI, *SignalCLI) {
	t.Helper()
	f := &fakeSignalCLI{respond: respond}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()

	go func() {
		scanner := bufio.NewScanner(f.stdinR)
		for scanner.Scan() {
			var req map[string]interface{}
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()
			params, _ := req["params"].(map[string]interface{})
			if line := f.respond(req["id"].(string), params); line != "" {
				f.emit(line)
			}
		}
	}()

	s := newSignalCLI(account, 200*time.Millisecond, arbor.NewLogger(), func(ctx context.Context) (*process, error) {
		return &process{stdin: f.stdinW, stdout: f.stdoutR}, nil
	})
	t.Cleanup(func() {
		f.stdoutW.Close()
		s.Close()
	})
	return f, s
}

func (f *fakeSignalCLI) emit(line string) {
	_, _ = f.stdoutW.Write([]byte(line + "\n"))
}

func (f *fakeSignalCLI) Requests() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.requests...)
}

func successResponse(id string, _ map[string]interface{}) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","result":{"timestamp":1700000000123,"results":[{"type":"SUCCESS"}]},"id":%q}`, id)
}

func TestSignalCLI_Receive(t *testing.T) {
	f, s := newFakeSignalCLI(t, successResponse)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound, err := s.Receive(ctx)
	require.NoError(t, err)

	f.emit(`{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"+15551111","timestamp":11,"typingMessage":{"action":"STARTED"}},"account":"+15550000"}}`)
	f.emit(`not json`)
	f.emit(`{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":"+15551111","timestamp":12,"dataMessage":{"timestamp":12,"message":"hello"}},"account":"+15550000"}}`)

	select {
	case msg := <-inbound:
		assert.Equal(t, "+15551111", msg.SenderID)
		assert.Equal(t, "12", msg.MessageID)
		assert.Equal(t, "hello", msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-inbound
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalCLI_Send(t *testing.T) {
	f, s := newFakeSignalCLI(t, successResponse)

	receipt, err := s.Send(context.Background(), models.OutboundMessage{
		RecipientID:    "+15551111",
		Text:           "summary",
		QuoteMessageID: "12",
		QuoteAuthor:    "+15551111",
		QuoteText:      "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", receipt.MessageID)
	assert.Equal(t, time.UnixMilli(1700000000123), receipt.Timestamp)

	reqs := f.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "2.0", reqs[0]["jsonrpc"])
	assert.Equal(t, "send", reqs[0]["method"])
	params := reqs[0]["params"].(map[string]interface{})
	assert.Equal(t, []interface{}{"+15551111"}, params["recipient"])
	assert.Equal(t, "summary", params["message"])
	assert.Equal(t, float64(12), params["quoteTimestamp"])
	assert.Equal(t, "+15551111", params["quoteAuthor"])

	_, err = s.Send(context.Background(), models.OutboundMessage{GroupID: "Z3JvdXA=", Text: "to group"})
	require.NoError(t, err)
	params = f.Requests()[1]["params"].(map[string]interface{})
	assert.Equal(t, "Z3JvdXA=", params["groupId"])
	assert.Nil(t, params["recipient"])
}

func TestSignalCLI_SendFailures(t *testing.T) {
	tests := []struct {
		name    string
		respond func(id string, params map[string]interface{}) string
		kind    models.DeliveryErrorKind
	}{
		{
			name: "unregistered",
			respond: func(id string, _ map[string]interface{}) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-1,"message":"Unregistered user \"+15559999\""},"id":%q}`, id)
			},
			kind: models.DeliveryRecipientUnreachable,
		},
		{
			name: "network failure result",
			respond: func(id string, _ map[string]interface{}) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","result":{"timestamp":1,"results":[{"type":"NETWORK_FAILURE"}]},"id":%q}`, id)
			},
			kind: models.DeliveryTransport,
		},
		{
			name:    "no response",
			respond: func(string, map[string]interface{}) string { return "" },
			kind:    models.DeliveryTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, s := newFakeSignalCLI(t, tt.respond)
			_, err := s.Send(context.Background(), models.OutboundMessage{RecipientID: "+15559999", Text: "x"})
			require.Error(t, err)
			var de *models.DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.kind, de.Kind)
		})
	}
}

func TestSignalCLI_ProcessExit(t *testing.T) {
	f, s := newFakeSignalCLI(t, func(string, map[string]interface{}) string { return "" })

	inbound, err := s.Receive(context.Background())
	require.NoError(t, err)

	f.stdoutW.Close()

	select {
	case _, ok := <-inbound:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound stream not closed")
	}

	_, err = s.Send(context.Background(), models.OutboundMessage{RecipientID: "+15551111", Text: "x"})
	var de *models.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, models.DeliveryTransport, de.Kind)
}

func TestSignalCLI_StartFailure(t *testing.T) {
	s := newSignalCLI(account, time.Second, arbor.NewLogger(), func(ctx context.Context) (*process, error) {
		return nil, fmt.Errorf("exec: \"signal-cli\": executable file not found in $PATH")
	})
	_, err := s.Receive(context.Background())
	assert.Error(t, err)
	_, err = s.Send(context.Background(), models.OutboundMessage{RecipientID: "+1", Text: "x"})
	assert.Error(t, err)
}

func newRESTServer(t *testing.T, frames []string, sends chan<- restSendRequest) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/receive/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/receive/"+account, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/v2/send", func(w http.ResponseWriter, r *http.Request) {
		var req restSendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); !assert.NoError(t, err) || len(req.Recipients) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if sends != nil {
			sends <- req
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Recipients[0] {
		case "+15559999":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Failed to send message: Unregistered user"}`))
		case "+15558888":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"timestamp":"1700000000999"}`))
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestREST(t *testing.T, baseURL string) *SignalREST {
	t.Helper()
	r, err := NewSignalREST(account, common.SignalRESTConfig{
		BaseURL:        baseURL,
		ReconnectDelay: "20ms",
		RequestTimeout: "2s",
	}, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSignalREST_Receive(t *testing.T) {
	server := newRESTServer(t, []string{
		`{"envelope":{"sourceNumber":"+15551111","timestamp":21,"receiptMessage":{}},"account":"+15550000"}`,
		`{"envelope":{"sourceNumber":"+15551111","timestamp":22,"dataMessage":{"timestamp":22,"message":"https://www.instagram.com/reel/abc/"}},"account":"+15550000"}`,
	}, nil)
	r := newTestREST(t, server.URL)
	assert.True(t, strings.HasPrefix(r.receiveURL(), "ws://"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound, err := r.Receive(ctx)
	require.NoError(t, err)

	select {
	case msg := <-inbound:
		assert.Equal(t, "22", msg.MessageID)
		assert.Equal(t, "https://www.instagram.com/reel/abc/", msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-inbound:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalREST_Send(t *testing.T) {
	sends := make(chan restSendRequest, 4)
	server := newRESTServer(t, nil, sends)
	r := newTestREST(t, server.URL)

	receipt, err := r.Send(context.Background(), models.OutboundMessage{
		RecipientID:    "+15551111",
		Text:           "summary",
		QuoteMessageID: "22",
		QuoteAuthor:    "+15551111",
	})
	require.NoError(t, err)
	assert.Equal(t, "1700000000999", receipt.MessageID)

	req := <-sends
	assert.Equal(t, account, req.Number)
	assert.Equal(t, []string{"+15551111"}, req.Recipients)
	assert.Equal(t, int64(22), req.QuoteTimestamp)

	_, err = r.Send(context.Background(), models.OutboundMessage{GroupID: "group", Text: "g"})
	require.NoError(t, err)
	assert.Equal(t, []string{"group.Z3JvdXA="}, (<-sends).Recipients)

	_, err = r.Send(context.Background(), models.OutboundMessage{RecipientID: "+15559999", Text: "x"})
	var de *models.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Permanent())
	<-sends

	_, err = r.Send(context.Background(), models.OutboundMessage{RecipientID: "+15558888", Text: "x"})
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Permanent())
}

func TestNewMessenger(t *testing.T) {
	_, err := NewMessenger(common.MessagingConfig{Transport: "signal-cli"}, arbor.NewLogger())
	assert.Error(t, err, "account is required")

	m, err := NewMessenger(common.MessagingConfig{
		Transport:  TransportSignalREST,
		Account:    account,
		SignalREST: common.SignalRESTConfig{BaseURL: "http://localhost:8080"},
	}, arbor.NewLogger())
	require.NoError(t, err)
	assert.IsType(t, &SignalREST{}, m)

	_, err = NewMessenger(common.MessagingConfig{Transport: "carrier-pigeon", Account: account}, arbor.NewLogger())
	assert.Error(t, err)
}
