package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

func TestAnalyzer_Assess(t *testing.T) {
	a := NewAnalyzer(infra.RiskConfig{FraudThreshold: 0.8, AutoApproveThreshold: 0.2}, zap.NewNop())

	cases := []struct {
		score    float64
		verdict  Verdict
		priority domain.Priority
	}{
		{0.0, VerdictAutoApprove, ""},
		{0.2, VerdictAutoApprove, ""},
		{0.21, VerdictReview, domain.PriorityNormal},
		{0.79, VerdictReview, domain.PriorityNormal},
		{0.8, VerdictFraud, domain.PriorityUrgent},
		{1.7, VerdictFraud, domain.PriorityUrgent},
		{-3, VerdictAutoApprove, ""},
	}
	for _, tc := range cases {
		got := a.Assess(tc.score)
		assert.Equal(t, tc.verdict, got.Verdict, "score %v", tc.score)
		assert.Equal(t, tc.priority, got.Priority, "score %v", tc.score)
		assert.GreaterOrEqual(t, got.Score, 0.0)
		assert.LessOrEqual(t, got.Score, 1.0)
	}
	assert.False(t, a.Assess(0.1).NeedsReview())
	assert.True(t, a.Assess(0.5).NeedsReview())
}

func TestAnalyzer_ScoreFromPayload(t *testing.T) {
	a := NewAnalyzer(infra.RiskConfig{FraudThreshold: 0.8}, zap.NewNop())

	v, ok := a.ScoreFromPayload([]byte(`{"fraudScore":0.93,"amount":5000}`), "fraudScore")
	assert.True(t, ok)
	assert.InDelta(t, 0.93, v, 1e-9)

	_, ok = a.ScoreFromPayload([]byte(`{"fraudScore":"high"}`), "fraudScore")
	assert.False(t, ok)
	_, ok = a.ScoreFromPayload([]byte(`[1,2]`), "fraudScore")
	assert.False(t, ok)
	_, ok = a.ScoreFromPayload(nil, "fraudScore")
	assert.False(t, ok)
}
