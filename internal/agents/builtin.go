package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/advocacy-ops/internal/connectors"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/risk"
	"go.uber.org/zap"
)

const (
	PolicyMonitorID     = "agent_001_policy"
	GrantScreeningID    = "agent_002_grant"
	MilestoneVerifierID = "agent_003_milestone"
)

// LLM — то, что агентам нужно от языковой модели (connectors.LLMClient).
type LLM interface {
	Chat(ctx context.Context, system, user string) (string, error)
	ChatJSON(ctx context.Context, system, user string, out any) error
}

// EffectApplier применяет одобрение без человека (автоапрув грантов).
type EffectApplier interface {
	Apply(ctx context.Context, job domain.OutboxJob) error
}

type BuiltinDeps struct {
	LLM      LLM
	Analyzer *risk.Analyzer
	Effects  EffectApplier // опционально
	Logger   *zap.Logger
}

// RegisterBuiltins регистрирует штатных агентов.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	log := deps.Logger.Named("agents")
	defs := []Definition{
		{
			ID:          PolicyMonitorID,
			Name:        "Policy Monitor",
			Enabled:     true,
			Scheduled:   true,
			Requires:    []string{connectors.ServiceLLM},
			InputSchema: policyInputSchema,
			Run:         policyMonitor(deps.LLM),
		},
		{
			ID:          GrantScreeningID,
			Name:        "Grant Screening",
			Enabled:     true,
			Requires:    []string{connectors.ServiceLLM},
			InputSchema: grantInputSchema,
			Run:         grantScreening(deps.LLM, deps.Analyzer, deps.Effects, log),
		},
		{
			ID:          MilestoneVerifierID,
			Name:        "Milestone Verifier",
			Enabled:     true,
			Requires:    []string{connectors.ServiceLLM},
			InputSchema: milestoneInputSchema,
			Run:         milestoneVerifier(deps.LLM),
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

const policyInputSchema = `{
  "type": "object",
  "properties": {
    "policyUpdateId": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "text": {"type": "string"}
  }
}`

type policyInput struct {
	PolicyUpdateID string `json:"policyUpdateId"`
	Title          string `json:"title"`
	Text           string `json:"text"`
}

// policyMonitor: с policyUpdateId — краткое изложение и ревью; без него (cron) — дайджест без ревью.
func policyMonitor(llm LLM) domain.AgentFunc {
	return func(ctx context.Context, input json.RawMessage) (domain.AgentOutput, error) {
		if llm == nil {
			return domain.AgentOutput{}, fmt.Errorf("llm: %w", domain.ErrNotConfigured)
		}
		var in policyInput
		if err := decodeInput(input, &in); err != nil {
			return domain.AgentOutput{}, err
		}

		if in.PolicyUpdateID == "" {
			digest, err := llm.Chat(ctx,
				"You monitor infrastructure policy. Produce a short digest of what reviewers should watch this week.",
				"Weekly policy digest")
			if err != nil {
				return domain.AgentOutput{}, err
			}
			return domain.AgentOutput{Result: mustJSON(map[string]any{"digest": digest})}, nil
		}

		summary, err := llm.Chat(ctx,
			"You are a policy analyst. Summarize the update in three sentences for a human reviewer.",
			fmt.Sprintf("Title: %s\n\n%s", in.Title, in.Text))
		if err != nil {
			return domain.AgentOutput{}, err
		}

		result := mustJSON(map[string]any{"policyUpdateId": in.PolicyUpdateID, "summary": summary})
		return domain.AgentOutput{
			Result: result,
			Approval: &domain.ApprovalRequest{
				ItemType: domain.ItemPolicyUpdate,
				ItemID:   in.PolicyUpdateID,
				Priority: domain.PriorityNormal,
				Payload:  mustJSON(map[string]any{"title": in.Title, "summary": summary}),
			},
		}, nil
	}
}

const grantInputSchema = `{
  "type": "object",
  "properties": {
    "grantId": {"type": "string", "minLength": 1},
    "applicant": {"type": "string"},
    "amount": {"type": "number", "minimum": 0},
    "description": {"type": "string"},
    "fraudScore": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["grantId"]
}`

type grantInput struct {
	GrantID     string  `json:"grantId"`
	Applicant   string  `json:"applicant"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

type fraudAnswer struct {
	FraudScore float64 `json:"fraudScore"`
	Reason     string  `json:"reason"`
}

// grantScreening: score из входа (посчитан платежным провайдером) или от LLM, дальше пороги анализатора.
func grantScreening(llm LLM, analyzer *risk.Analyzer, effects EffectApplier, log *zap.Logger) domain.AgentFunc {
	return func(ctx context.Context, input json.RawMessage) (domain.AgentOutput, error) {
		if analyzer == nil {
			return domain.AgentOutput{}, fmt.Errorf("risk analyzer: %w", domain.ErrNotConfigured)
		}
		var in grantInput
		if err := decodeInput(input, &in); err != nil {
			return domain.AgentOutput{}, err
		}

		answer := fraudAnswer{Reason: "score provided by payment provider"}
		score, ok := analyzer.ScoreFromPayload(input, "fraudScore")
		if ok {
			answer.FraudScore = score
		} else {
			if llm == nil {
				return domain.AgentOutput{}, fmt.Errorf("llm: %w", domain.ErrNotConfigured)
			}
			prompt := fmt.Sprintf("Applicant: %s\nAmount: %.2f\nDescription: %s", in.Applicant, in.Amount, in.Description)
			if err := llm.ChatJSON(ctx,
				`You screen grant applications for fraud. Answer {"fraudScore": 0..1, "reason": "..."}.`,
				prompt, &answer); err != nil {
				return domain.AgentOutput{}, err
			}
		}

		assessment := analyzer.Assess(answer.FraudScore)
		result := mustJSON(map[string]any{
			"grantId":    in.GrantID,
			"fraudScore": assessment.Score,
			"verdict":    assessment.Verdict,
			"reason":     answer.Reason,
		})

		if !assessment.NeedsReview() {
			if effects != nil {
				err := effects.Apply(ctx, domain.OutboxJob{
					ItemType:       domain.ItemGrant,
					ItemID:         in.GrantID,
					IdempotencyKey: "auto:" + in.GrantID,
				})
				if errors.Is(err, domain.ErrNotFound) {
					// Несуществующую заявку не одобряем и на ревью не ставим
					return domain.AgentOutput{}, err
				}
				if err != nil {
					// Автоапрув не состоялся — отдаем человеку
					log.Warn("grant auto-approval failed, requesting review",
						zap.String("grant_id", in.GrantID), zap.Error(err))
					assessment.Priority = domain.PriorityNormal
					return domain.AgentOutput{Result: result, Approval: grantApproval(in, assessment, answer.Reason)}, nil
				}
			}
			return domain.AgentOutput{Result: result}, nil
		}
		return domain.AgentOutput{Result: result, Approval: grantApproval(in, assessment, answer.Reason)}, nil
	}
}

func grantApproval(in grantInput, a risk.Assessment, reason string) *domain.ApprovalRequest {
	return &domain.ApprovalRequest{
		ItemType: domain.ItemGrant,
		ItemID:   in.GrantID,
		Priority: a.Priority,
		Payload: mustJSON(map[string]any{
			"applicant":  in.Applicant,
			"amount":     in.Amount,
			"fraudScore": a.Score,
			"verdict":    a.Verdict,
			"reason":     reason,
		}),
	}
}

const milestoneInputSchema = `{
  "type": "object",
  "properties": {
    "milestoneId": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "evidence": {"type": "string"}
  },
  "required": ["milestoneId"]
}`

type milestoneInput struct {
	MilestoneID string `json:"milestoneId"`
	Title       string `json:"title"`
	Evidence    string `json:"evidence"`
}

type milestoneAnswer struct {
	Supported  bool    `json:"supported"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes"`
}

// milestoneVerifier всегда просит человека подтвердить; слабые доказательства — выше приоритет.
func milestoneVerifier(llm LLM) domain.AgentFunc {
	return func(ctx context.Context, input json.RawMessage) (domain.AgentOutput, error) {
		if llm == nil {
			return domain.AgentOutput{}, fmt.Errorf("llm: %w", domain.ErrNotConfigured)
		}
		var in milestoneInput
		if err := decodeInput(input, &in); err != nil {
			return domain.AgentOutput{}, err
		}

		var answer milestoneAnswer
		if err := llm.ChatJSON(ctx,
			`You verify project milestones. Answer {"supported": bool, "confidence": 0..1, "notes": "..."}.`,
			fmt.Sprintf("Milestone: %s\nEvidence: %s", in.Title, in.Evidence), &answer); err != nil {
			return domain.AgentOutput{}, err
		}

		priority := domain.PriorityNormal
		if !answer.Supported || answer.Confidence < 0.5 {
			priority = domain.PriorityHigh
		}

		return domain.AgentOutput{
			Result: mustJSON(map[string]any{"milestoneId": in.MilestoneID, "assessment": answer}),
			Approval: &domain.ApprovalRequest{
				ItemType: domain.ItemMilestone,
				ItemID:   in.MilestoneID,
				Priority: priority,
				Payload:  mustJSON(answer),
			},
		}, nil
	}
}

func decodeInput(input json.RawMessage, out any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, out); err != nil {
		return domain.NewValidationError("inputData", err.Error())
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("agents: marshal %T: %v", v, err))
	}
	return data
}
