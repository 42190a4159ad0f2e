package relay

import (
	"context"

	"github.com/copychief/relay/internal/domain/usage"
	"github.com/copychief/relay/internal/usecase/ledger"
)

// Message is one turn of conversation context sent to the provider.
type Message struct {
	Role    string `json:"role"` // "system" / "user" / "assistant"
	Content string `json:"content"`
}

// Chunk is one fragment of a streamed completion. Content may be empty on
// frames that only carry usage.
type Chunk struct {
	Content string
	Usage   *TokenUsage // non-nil once the provider reports final counts
}

// TokenUsage is the provider-reported token accounting for an exchange.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Provider produces streamed chat completions.
type Provider interface {
	Stream(ctx context.Context, messages []Message) (Stream, error)
}

// Stream yields completion chunks. Recv returns io.EOF on normal end.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Ledger is the entitlement gate and usage sink the relay depends on.
type Ledger interface {
	EstimateCost(feature usage.Feature) (int64, error)
	ReserveAndCheck(ctx context.Context, accountID string, estimate int64) (ledger.Reservation, error)
	Release(ctx context.Context, res ledger.Reservation)
	CommitUsage(ctx context.Context, res ledger.Reservation,
		promptTokens, completionTokens int64, feature usage.Feature, estimated bool)
}
