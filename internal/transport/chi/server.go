// Package chi is the HTTP surface: the send endpoint, the SSE event stream,
// the balance endpoint, and health/metrics.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	chirouter "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/balance"
	logpkg "github.com/copychief/relay/internal/logger"
	"github.com/copychief/relay/internal/relay"
	healthuc "github.com/copychief/relay/internal/usecase/health"
)

// Error codes returned to clients.
const (
	codeBadRequest         = "BAD_REQUEST"
	codeUnauthorized       = "UNAUTHORIZED"
	codeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	codeInsufficientTokens = "INSUFFICIENT_TOKENS"
	codeNoConnection       = "NO_ACTIVE_CONNECTION"
	codeProviderError      = "PROVIDER_ERROR"
	codeInternalError      = "INTERNAL_ERROR"
)

// Sender accepts a chat send and returns once streaming has started.
type Sender interface {
	Send(ctx context.Context, req relay.SendRequest) (relay.SendResult, error)
	CancelInFlight(accountID, agentID string)
}

// BalanceReader serves the caller's balance snapshot.
type BalanceReader interface {
	GetAvailable(ctx context.Context, accountID string) (balance.Balance, error)
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server implements the HTTP API handlers.
type Server struct {
	sender        Sender
	balances      BalanceReader
	registry      *relay.Registry
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	sender Sender,
	balances BalanceReader,
	registry *relay.Registry,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		sender:   sender,
		balances: balances,
		registry: registry,
		health:   health,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		insufficientTokensHandler,
		sentinelHandler(domain.ErrBadRequest, http.StatusBadRequest, codeBadRequest),
		sentinelHandler(domain.ErrUnknownFeature, http.StatusBadRequest, codeBadRequest),
		sentinelHandler(domain.ErrUnauthorized, http.StatusUnauthorized, codeUnauthorized),
		sentinelHandler(domain.ErrAccountNotFound, http.StatusNotFound, codeAccountNotFound),
		sentinelHandler(domain.ErrNoActiveConnection, http.StatusConflict, codeNoConnection),
		sentinelHandler(domain.ErrProvider, http.StatusBadGateway, codeProviderError),
	}
	return s
}

// Routes mounts the API handlers on a router.
func (s *Server) Routes(r chirouter.Router) {
	r.Get("/api/v1/stream", s.StreamEvents)
	r.Post("/api/v1/chat/send", s.SendMessage)
	r.Get("/api/v1/tokens", s.GetTokens)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// sendMessageRequest is the POST /api/v1/chat/send body.
type sendMessageRequest struct {
	AgentID             string          `json:"agentId"`
	AgentName           string          `json:"agentName"`
	AgentPrompt         string          `json:"agentPrompt"`
	IsCustomAgent       bool            `json:"isCustomAgent"`
	Message             string          `json:"message"`
	ConversationHistory []relay.Message `json:"conversationHistory"`
}

// sendMessageResponse is the 202 body. TokensUsed is the pre-flight estimate;
// the exact count is reconciled after the stream finishes.
type sendMessageResponse struct {
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId"`
	TokensUsed int64  `json:"tokensUsed"`
}

// SendMessage handles POST /api/v1/chat/send.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	accountID := AccountIDFromContext(r.Context())
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "no account in request")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := s.sender.Send(r.Context(), relay.SendRequest{
		AccountID:     accountID,
		AgentID:       req.AgentID,
		AgentName:     req.AgentName,
		AgentPrompt:   req.AgentPrompt,
		IsCustomAgent: req.IsCustomAgent,
		Message:       req.Message,
		History:       req.ConversationHistory,
	})
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, sendMessageResponse{
		Success:    true,
		MessageID:  result.MessageID,
		TokensUsed: result.TokensReserved,
	})
}

// tokensResponse is the GET /api/v1/tokens body.
type tokensResponse struct {
	MonthlyTokens  int64 `json:"monthly_tokens"`
	ExtraTokens    int64 `json:"extra_tokens"`
	TotalAvailable int64 `json:"total_available"`
	TotalUsed      int64 `json:"total_used"`
}

// GetTokens handles GET /api/v1/tokens.
func (s *Server) GetTokens(w http.ResponseWriter, r *http.Request) {
	accountID := AccountIDFromContext(r.Context())
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "no account in request")
		return
	}

	b, err := s.balances.GetAvailable(r.Context(), accountID)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokensResponse{
		MonthlyTokens:  b.Monthly(),
		ExtraTokens:    b.Extra(),
		TotalAvailable: b.Available(),
		TotalUsed:      b.Consumed(),
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": report.Status,
		"checks": report.Checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:   code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrBadRequest,
		domain.ErrUnauthorized,
		domain.ErrAccountNotFound,
		domain.ErrInsufficientTokens,
		domain.ErrNoActiveConnection,
		domain.ErrProvider,
		domain.ErrUnknownFeature,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// insufficientTokensHandler handles ErrInsufficientTokens with the required
// and available counts the client needs to render an upsell.
func insufficientTokensHandler(w http.ResponseWriter, err error, msg string) bool {
	if !errors.Is(err, domain.ErrInsufficientTokens) {
		return false
	}
	var ite *domain.InsufficientTokensError
	if errors.As(err, &ite) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           codeInsufficientTokens,
			"requiredTokens":  ite.Required,
			"availableTokens": ite.Available,
		})
		return true
	}
	writeError(w, http.StatusPaymentRequired, codeInsufficientTokens, msg)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context(), s.logger)
	log.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
