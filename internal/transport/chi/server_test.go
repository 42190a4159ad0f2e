package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/balance"
	"github.com/copychief/relay/internal/relay"
	healthuc "github.com/copychief/relay/internal/usecase/health"
)

// --- Mocks ---

type mockSender struct {
	mu        sync.Mutex
	result    relay.SendResult
	err       error
	lastReq   relay.SendRequest
	cancelled []string
}

func (m *mockSender) Send(_ context.Context, req relay.SendRequest) (relay.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	return m.result, m.err
}

func (m *mockSender) CancelInFlight(accountID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, accountID+"/"+agentID)
}

func (m *mockSender) cancelledKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

type mockBalances struct {
	b   balance.Balance
	err error
}

func (m *mockBalances) GetAvailable(_ context.Context, _ string) (balance.Balance, error) {
	return m.b, m.err
}

type okPinger struct{}

func (okPinger) Ping(_ context.Context) error { return nil }

type failPinger struct{}

func (failPinger) Ping(_ context.Context) error { return errors.New("down") }

// --- Helpers ---

func newTestServer(sender *mockSender, balances *mockBalances) *Server {
	reg := relay.NewRegistry(0, zap.NewNop())
	health := healthuc.New(okPinger{}, okPinger{}, nil)
	return NewServer(sender, balances, reg, health, zap.NewNop())
}

func authedRequest(method, target string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	return r.WithContext(context.WithValue(r.Context(), accountIDKey, "acc-1"))
}

// --- Tests ---

func TestSendMessage_Accepted(t *testing.T) {
	sender := &mockSender{result: relay.SendResult{MessageID: "msg-1", TokensReserved: 1000}}
	s := newTestServer(sender, &mockBalances{})

	body, _ := json.Marshal(map[string]any{
		"agentId":     "agent-1",
		"agentName":   "Copy Coach",
		"agentPrompt": "You are a direct-response copywriting coach.",
		"message":     "write a headline",
	})
	w := httptest.NewRecorder()
	s.SendMessage(w, authedRequest(http.MethodPost, "/api/v1/chat/send", body))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	var resp sendMessageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.MessageID != "msg-1" || resp.TokensUsed != 1000 {
		t.Errorf("response = %+v", resp)
	}

	if sender.lastReq.AccountID != "acc-1" {
		t.Errorf("account from auth context = %q, want acc-1", sender.lastReq.AccountID)
	}
	if sender.lastReq.AgentID != "agent-1" || sender.lastReq.Message != "write a headline" {
		t.Errorf("send request = %+v", sender.lastReq)
	}
	if sender.lastReq.AgentPrompt == "" {
		t.Error("agent prompt not passed through")
	}
}

func TestSendMessage_InsufficientTokens(t *testing.T) {
	sender := &mockSender{err: domain.NewInsufficientTokens(2000, 1)}
	s := newTestServer(sender, &mockBalances{})

	body, _ := json.Marshal(map[string]any{"agentId": "agent-1", "message": "hi"})
	w := httptest.NewRecorder()
	s.SendMessage(w, authedRequest(http.MethodPost, "/api/v1/chat/send", body))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}

	var resp struct {
		Error           string `json:"error"`
		RequiredTokens  int64  `json:"requiredTokens"`
		AvailableTokens int64  `json:"availableTokens"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeInsufficientTokens {
		t.Errorf("error code = %q, want %q", resp.Error, codeInsufficientTokens)
	}
	if resp.RequiredTokens != 2000 || resp.AvailableTokens != 1 {
		t.Errorf("tokens = {%d, %d}, want {2000, 1}", resp.RequiredTokens, resp.AvailableTokens)
	}
}

func TestSendMessage_NoActiveConnection(t *testing.T) {
	sender := &mockSender{err: domain.ErrNoActiveConnection}
	s := newTestServer(sender, &mockBalances{})

	body, _ := json.Marshal(map[string]any{"agentId": "agent-1", "message": "hi"})
	w := httptest.NewRecorder()
	s.SendMessage(w, authedRequest(http.MethodPost, "/api/v1/chat/send", body))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestSendMessage_ProviderFailure(t *testing.T) {
	sender := &mockSender{err: domain.ErrProvider}
	s := newTestServer(sender, &mockBalances{})

	body, _ := json.Marshal(map[string]any{"agentId": "agent-1", "message": "hi"})
	w := httptest.NewRecorder()
	s.SendMessage(w, authedRequest(http.MethodPost, "/api/v1/chat/send", body))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestSendMessage_BadBody(t *testing.T) {
	s := newTestServer(&mockSender{}, &mockBalances{})

	w := httptest.NewRecorder()
	s.SendMessage(w, authedRequest(http.MethodPost, "/api/v1/chat/send", []byte("{broken")))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSendMessage_Unauthenticated(t *testing.T) {
	s := newTestServer(&mockSender{}, &mockBalances{})

	body, _ := json.Marshal(map[string]any{"agentId": "agent-1", "message": "hi"})
	w := httptest.NewRecorder()
	s.SendMessage(w, httptest.NewRequest(http.MethodPost, "/api/v1/chat/send", bytes.NewReader(body)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGetTokens(t *testing.T) {
	s := newTestServer(&mockSender{}, &mockBalances{b: balance.New(50000, 10000, 12000)})

	w := httptest.NewRecorder()
	s.GetTokens(w, authedRequest(http.MethodGet, "/api/v1/tokens", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp tokensResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := tokensResponse{
		MonthlyTokens:  50000,
		ExtraTokens:    10000,
		TotalAvailable: 48000,
		TotalUsed:      12000,
	}
	if resp != want {
		t.Errorf("response = %+v, want %+v", resp, want)
	}
}

func TestGetTokens_AccountNotFound(t *testing.T) {
	s := newTestServer(&mockSender{}, &mockBalances{err: domain.ErrAccountNotFound})

	w := httptest.NewRecorder()
	s.GetTokens(w, authedRequest(http.MethodGet, "/api/v1/tokens", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthCheck_Degraded(t *testing.T) {
	reg := relay.NewRegistry(0, zap.NewNop())
	health := healthuc.New(failPinger{}, okPinger{}, nil)
	s := NewServer(&mockSender{}, &mockBalances{}, reg, health, zap.NewNop())

	w := httptest.NewRecorder()
	s.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestHandleDomainError_UnknownIs500(t *testing.T) {
	s := newTestServer(&mockSender{}, &mockBalances{})

	w := httptest.NewRecorder()
	s.handleDomainError(w, authedRequest(http.MethodGet, "/api/v1/tokens", nil), errors.New("something exploded"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "internal error" {
		t.Errorf("internal detail leaked to client: %q", resp.Message)
	}
}
