package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/event"
	"github.com/copychief/relay/internal/domain/usage"
	"github.com/copychief/relay/internal/metrics"
	"github.com/copychief/relay/internal/usecase/ledger"
)

// SendRequest is one chat send. AgentPrompt is the agent's system prompt and
// leads the provider conversation.
type SendRequest struct {
	AccountID     string
	AgentID       string
	AgentName     string
	AgentPrompt   string
	IsCustomAgent bool
	Message       string
	History       []Message
}

// SendResult is what the caller gets back immediately; the assistant's reply
// arrives on the event stream.
type SendResult struct {
	MessageID string
	// TokensReserved is the pre-flight estimate held against the balance, not
	// the final billed amount.
	TokensReserved int64
}

// exchange is one in-flight provider stream for a (account, agent) key.
type exchange struct {
	cancel context.CancelFunc
}

// Service runs chat exchanges: gate on the ledger, stream from the provider,
// fan deltas out to the registered connection, then commit actual usage.
type Service struct {
	registry *Registry
	ledger   Ledger
	provider Provider
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[connKey]*exchange
}

// New creates the relay service.
func New(registry *Registry, lg Ledger, provider Provider, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		ledger:   lg,
		provider: provider,
		logger:   logger,
		inflight: make(map[connKey]*exchange),
	}
}

// Send validates the request, reserves the estimated cost, opens the provider
// stream, and hands delivery to a background pump. It returns once the stream
// is open; deltas and the final message flow over the event stream.
//
// Ordering matters: the connection check runs before the reservation so a
// client with no open stream fails fast without touching the ledger, and the
// reservation runs before the provider call so an out-of-tokens account never
// reaches the provider.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return SendResult{}, fmt.Errorf("empty message: %w", domain.ErrBadRequest)
	}
	if req.AgentID == "" {
		return SendResult{}, fmt.Errorf("missing agent id: %w", domain.ErrBadRequest)
	}
	if strings.TrimSpace(req.AgentPrompt) == "" {
		return SendResult{}, fmt.Errorf("missing agent prompt: %w", domain.ErrBadRequest)
	}
	if req.AgentName == "" {
		return SendResult{}, fmt.Errorf("missing agent name: %w", domain.ErrBadRequest)
	}

	conn, ok := s.registry.Lookup(req.AccountID, req.AgentID)
	if !ok {
		return SendResult{}, fmt.Errorf("agent %s: %w", req.AgentID, domain.ErrNoActiveConnection)
	}

	estimate, err := s.ledger.EstimateCost(usage.FeatureChatMessage)
	if err != nil {
		return SendResult{}, fmt.Errorf("send: %w", err)
	}

	res, err := s.ledger.ReserveAndCheck(ctx, req.AccountID, estimate)
	if err != nil {
		return SendResult{}, fmt.Errorf("send: %w", err)
	}

	// A newer send for the same (account, agent) supersedes the one in flight.
	key := connKey{req.AccountID, req.AgentID}
	streamCtx, cancel := context.WithCancel(context.Background())
	exch := &exchange{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.inflight[key]; ok {
		prev.cancel()
	}
	s.inflight[key] = exch
	s.mu.Unlock()

	messages := buildMessages(req)
	stream, err := s.provider.Stream(streamCtx, messages)
	if err != nil {
		s.finish(key, exch)
		cancel()
		s.ledger.Release(context.Background(), res)
		_ = conn.Send(event.StreamError{Message: "assistant is unavailable, please retry"})
		metrics.ExchangesTotal.WithLabelValues("errored").Inc()
		return SendResult{}, fmt.Errorf("open provider stream: %w", errors.Join(domain.ErrProvider, err))
	}

	messageID := uuid.NewString()
	s.logger.Debug("exchange started",
		zap.String("account_id", req.AccountID),
		zap.String("agent_id", req.AgentID),
		zap.String("message_id", messageID),
		zap.Bool("custom_agent", req.IsCustomAgent),
	)
	_ = conn.Send(event.MessageStart{MessageID: messageID, AgentName: req.AgentName})

	go s.pump(streamCtx, key, exch, conn, stream, res, messageID, messages)

	return SendResult{MessageID: messageID, TokensReserved: estimate}, nil
}

// CancelInFlight aborts the running exchange for (accountID, agentID), if any.
// Used when the client's stream goes away.
func (s *Service) CancelInFlight(accountID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exch, ok := s.inflight[connKey{accountID, agentID}]; ok {
		exch.cancel()
	}
}

// pump drains the provider stream onto the connection, accumulating the full
// text so every delta carries the complete message so far. On any terminal
// path it settles the reservation exactly once.
func (s *Service) pump(
	ctx context.Context, key connKey, exch *exchange,
	conn *Conn, stream Stream, res ledger.Reservation,
	messageID string, messages []Message,
) {
	defer stream.Close()
	defer s.finish(key, exch)

	var (
		text    strings.Builder
		counted *TokenUsage
	)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Superseded or shut down: the provider already consumed
				// tokens for the partial text, so commit rather than refund.
				s.commit(res, counted, messages, text.String())
				metrics.ExchangesTotal.WithLabelValues("cancelled").Inc()
				return
			}
			s.logger.Error("provider stream failed mid-exchange",
				zap.String("account_id", res.AccountID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
			s.ledger.Release(context.Background(), res)
			_ = conn.Send(event.StreamError{Message: "assistant response was interrupted"})
			metrics.ExchangesTotal.WithLabelValues("errored").Inc()
			return
		}

		if chunk.Usage != nil {
			counted = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}

		text.WriteString(chunk.Content)
		if err := conn.Send(event.ContentDelta{MessageID: messageID, Content: text.String()}); err != nil {
			// Client went away mid-stream; stop pulling and settle what the
			// provider already produced.
			s.commit(res, counted, messages, text.String())
			metrics.ExchangesTotal.WithLabelValues("cancelled").Inc()
			return
		}
	}

	s.commit(res, counted, messages, text.String())
	_ = conn.Send(event.MessageComplete{MessageID: messageID, Content: text.String()})
	metrics.ExchangesTotal.WithLabelValues("done").Inc()
}

// commit settles the reservation with provider-reported counts when available,
// falling back to character-based estimates otherwise. Fallback-derived
// records are flagged so billing can tell measured from estimated usage.
func (s *Service) commit(res ledger.Reservation, counted *TokenUsage, messages []Message, completion string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if counted != nil {
		s.ledger.CommitUsage(ctx, res, counted.PromptTokens, counted.CompletionTokens, usage.FeatureChatMessage, false)
		return
	}

	var prompt strings.Builder
	for _, m := range messages {
		prompt.WriteString(m.Content)
	}
	s.ledger.CommitUsage(ctx, res,
		usage.FallbackEstimate(prompt.String()),
		usage.FallbackEstimate(completion),
		usage.FeatureChatMessage, true,
	)
}

// finish drops the in-flight entry unless a newer exchange already took the
// slot.
func (s *Service) finish(key connKey, exch *exchange) {
	s.mu.Lock()
	if s.inflight[key] == exch {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

func buildMessages(req SendRequest) []Message {
	messages := make([]Message, 0, len(req.History)+2)
	messages = append(messages, Message{Role: "system", Content: req.AgentPrompt})
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.Message})
	return messages
}
