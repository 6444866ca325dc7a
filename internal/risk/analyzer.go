package risk

import (
	"encoding/json"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

type Verdict string

const (
	VerdictAutoApprove Verdict = "auto_approve" // Ревью не нужно
	VerdictReview      Verdict = "review"       // Обычная очередь
	VerdictFraud       Verdict = "fraud"        // Срочно к человеку
)

type Assessment struct {
	Score    float64         `json:"fraudScore"`
	Verdict  Verdict         `json:"verdict"`
	Priority domain.Priority `json:"priority,omitempty"`
}

// NeedsReview решает, нужен ли HITL.
func (a Assessment) NeedsReview() bool {
	return a.Verdict != VerdictAutoApprove
}

// Analyzer раскладывает fraud score по порогам:
// score >= FraudThreshold -> fraud (urgent), score <= AutoApproveThreshold -> автоапрув, иначе ревью.
type Analyzer struct {
	fraudThreshold float64
	autoThreshold  float64
	logger         *zap.Logger
}

func NewAnalyzer(cfg infra.RiskConfig, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		fraudThreshold: cfg.FraudThreshold,
		autoThreshold:  cfg.AutoApproveThreshold,
		logger:         logger.Named("analyzer"),
	}
}

func (a *Analyzer) Assess(score float64) Assessment {
	switch {
	case score < 0:
		score = 0
	case score > 1:
		score = 1
	}

	switch {
	case score >= a.fraudThreshold:
		a.logger.Warn("FRAUD THRESHOLD EXCEEDED",
			zap.Float64("score", score),
			zap.Float64("threshold", a.fraudThreshold))
		return Assessment{Score: score, Verdict: VerdictFraud, Priority: domain.PriorityUrgent}
	case score <= a.autoThreshold:
		return Assessment{Score: score, Verdict: VerdictAutoApprove}
	default:
		return Assessment{Score: score, Verdict: VerdictReview, Priority: domain.PriorityNormal}
	}
}

// ScoreFromPayload достает числовое поле риска из произвольного JSON
// (например, score, уже посчитанный платежным провайдером).
func (a *Analyzer) ScoreFromPayload(payload []byte, field string) (float64, bool) {
	if len(payload) == 0 || field == "" {
		return 0, false
	}
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		a.logger.Debug("payload is not a JSON object, risk field skipped", zap.Error(err))
		return 0, false
	}
	// В JSON числа всегда парсятся в float64
	val, ok := data[field].(float64)
	return val, ok
}
