// Package session is the client library for the relay API: it maintains the
// SSE event stream for one agent, keeps a local conversation transcript, and
// exposes a single-flight Send.
//
// Reconnects are automatic with bounded exponential backoff; once the budget
// is exhausted the session parks in StateConnectionLost and stays there until
// Reconnect is called, so a dead backend does not keep a fleet of clients
// hammering it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
)

// State is the session lifecycle state.
type State string

// Session states.
const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateConnectionLost State = "connection_lost"
	StateClosed         State = "closed"
)

// Agent is the assistant persona a session talks to. Prompt is the system
// prompt sent with every message; the server requires it.
type Agent struct {
	ID     string
	Name   string
	Prompt string
	Custom bool
}

// Message is one transcript entry.
type Message struct {
	ID      string
	Role    string // "user" / "assistant"
	Content string
}

// Handlers are optional callbacks. They run on the stream-reading goroutine
// and must not block.
type Handlers struct {
	OnStateChange  func(State)
	OnMessageStart func(messageID, agentName string)
	OnDelta        func(messageID, content string)
	OnComplete     func(messageID, content string)
	OnStreamError  func(message string)
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient overrides the HTTP client. The client must not set a timeout
// that would kill the long-lived stream request.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.http = c }
}

// WithHandlers attaches event callbacks.
func WithHandlers(h Handlers) Option {
	return func(s *Session) { s.handlers = h }
}

// WithBackoff overrides the reconnect backoff policy.
func WithBackoff(base time.Duration, maxAttempts int) Option {
	return func(s *Session) {
		s.backoffBase = base
		s.backoffAttempts = maxAttempts
	}
}

// WithLogger attaches a logger; defaults to a no-op.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is a live chat session with one agent.
type Session struct {
	baseURL string
	apiKey  string
	agent   Agent

	http            *http.Client
	handlers        Handlers
	backoffBase     time.Duration
	backoffAttempts int
	logger          *zap.Logger

	mu           sync.Mutex
	state        State
	messages     []Message
	byID         map[string]int // assistant message id -> transcript index
	sendInFlight bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a session for one agent. Call Connect to open the event stream.
func New(baseURL, apiKey string, agent Agent, opts ...Option) *Session {
	s := &Session{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		agent:           agent,
		http:            &http.Client{},
		backoffBase:     defaultBackoffBase,
		backoffAttempts: defaultBackoffAttempts,
		logger:          zap.NewNop(),
		state:           StateIdle,
		byID:            make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Connect opens the event stream and starts the background read loop. It
// returns immediately; watch State or OnStateChange for the handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session closed: %w", domain.ErrConnectionClosed)
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil // already running
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Reconnect restarts the stream after the automatic backoff gave up.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnectionLost {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosed)
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// sendResponse is the 202 body from the send endpoint.
type sendResponse struct {
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId"`
	TokensUsed int64  `json:"tokensUsed"`
}

// Send posts one user message. The stream must be connected: the reply only
// arrives over the event stream, so a send without one has nowhere to land.
// Only one send may be in flight at a time; a second call before the
// assistant finishes fails with ErrSendInFlight. The user message is added to
// the transcript optimistically and rolled back if the server rejects the
// send.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", fmt.Errorf("session closed: %w", domain.ErrConnectionClosed)
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return "", fmt.Errorf("stream not connected: %w", domain.ErrNoActiveConnection)
	}
	if s.sendInFlight {
		s.mu.Unlock()
		return "", domain.ErrSendInFlight
	}
	s.sendInFlight = true

	history := make([]map[string]string, 0, len(s.messages))
	for _, m := range s.messages {
		history = append(history, map[string]string{"role": m.Role, "content": m.Content})
	}
	s.messages = append(s.messages, Message{Role: "user", Content: text})
	userIdx := len(s.messages) - 1
	s.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"agentId":             s.agent.ID,
		"agentName":           s.agent.Name,
		"agentPrompt":         s.agent.Prompt,
		"isCustomAgent":       s.agent.Custom,
		"message":             text,
		"conversationHistory": history,
	})
	if err != nil {
		s.rollbackSend(userIdx)
		return "", fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/chat/send", bytes.NewReader(body))
	if err != nil {
		s.rollbackSend(userIdx)
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		s.rollbackSend(userIdx)
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		s.rollbackSend(userIdx)
		return "", decodeAPIError(resp)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.rollbackSend(userIdx)
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return out.MessageID, nil
}

// rollbackSend undoes the optimistic transcript append and clears the
// single-flight latch after a failed send.
func (s *Session) rollbackSend(userIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userIdx < len(s.messages) && s.messages[userIdx].Role == "user" {
		s.messages = append(s.messages[:userIdx], s.messages[userIdx+1:]...)
	}
	s.sendInFlight = false
}

// decodeAPIError maps error responses to the shared sentinels.
func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error           string `json:"error"`
		Message         string `json:"message"`
		RequiredTokens  int64  `json:"requiredTokens"`
		AvailableTokens int64  `json:"availableTokens"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return domain.NewInsufficientTokens(body.RequiredTokens, body.AvailableTokens)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", body.Message, domain.ErrNoActiveConnection)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", body.Message, domain.ErrBadRequest)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", body.Message, domain.ErrUnauthorized)
	case http.StatusBadGateway:
		return fmt.Errorf("%s: %w", body.Message, domain.ErrProvider)
	default:
		return fmt.Errorf("send failed with status %d: %s", resp.StatusCode, body.Message)
	}
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(state)
	}
}

// clearSendLatch releases the single-flight latch.
func (s *Session) clearSendLatch() {
	s.mu.Lock()
	s.sendInFlight = false
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}
