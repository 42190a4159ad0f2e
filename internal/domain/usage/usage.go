// Package usage defines metered features, their pre-flight token estimates,
// and the immutable usage record appended after every completed exchange.
package usage

import (
	"math"

	"github.com/copychief/relay/internal/domain"
)

// Feature names a token-metered operation.
type Feature string

// Metered features.
const (
	FeatureChatMessage Feature = "chat_message"
	FeatureShortCopy   Feature = "short_copy"
	FeatureLongCopy    Feature = "long_copy"
)

// Static per-feature estimates used as the pre-flight reservation amount.
// Deliberately coarse: the gate must fail closed, actual usage reconciles
// after the exchange.
var featureEstimates = map[Feature]int64{
	FeatureChatMessage: 1000,
	FeatureShortCopy:   2000,
	FeatureLongCopy:    8000,
}

// EstimateCost returns the pre-flight token estimate for a feature.
func EstimateCost(f Feature) (int64, error) {
	est, ok := featureEstimates[f]
	if !ok {
		return 0, domain.ErrUnknownFeature
	}
	return est, nil
}

// FallbackEstimate approximates token usage from text length when the
// provider does not report exact counts: ceil(len * 1.3). Records produced
// from it are flagged Estimated so billing discrepancies stay traceable.
func FallbackEstimate(text string) int64 {
	return int64(math.Ceil(float64(len(text)) * 1.3))
}

// Record is an immutable audit entry for one completed exchange.
type Record struct {
	AccountID        string
	Feature          Feature
	PromptTokens     int64
	CompletionTokens int64
	Estimated        bool  // token counts came from FallbackEstimate
	Timestamp        int64 // unix millis
}

// Total returns prompt + completion tokens.
func (r Record) Total() int64 {
	return r.PromptTokens + r.CompletionTokens
}
