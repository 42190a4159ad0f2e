package usage

import (
	"errors"
	"testing"

	"github.com/copychief/relay/internal/domain"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		feature Feature
		want    int64
	}{
		{FeatureChatMessage, 1000},
		{FeatureShortCopy, 2000},
		{FeatureLongCopy, 8000},
	}
	for _, tt := range tests {
		t.Run(string(tt.feature), func(t *testing.T) {
			got, err := EstimateCost(tt.feature)
			if err != nil {
				t.Fatalf("EstimateCost: %v", err)
			}
			if got != tt.want {
				t.Errorf("EstimateCost(%s) = %d, want %d", tt.feature, got, tt.want)
			}
		})
	}
}

func TestEstimateCost_Unknown(t *testing.T) {
	_, err := EstimateCost(Feature("video_script"))
	if !errors.Is(err, domain.ErrUnknownFeature) {
		t.Errorf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestFallbackEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"ab", 3},          // ceil(2*1.3) = 3
		{"hello", 7},       // ceil(5*1.3) = 6.5 -> 7
		{"hello world", 15}, // ceil(11*1.3) = 14.3 -> 15
	}
	for _, tt := range tests {
		if got := FallbackEstimate(tt.text); got != tt.want {
			t.Errorf("FallbackEstimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestRecordTotal(t *testing.T) {
	r := Record{PromptTokens: 120, CompletionTokens: 380}
	if r.Total() != 500 {
		t.Errorf("Total() = %d, want 500", r.Total())
	}
}
