package policy

import (
	"fmt"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Engine runs every evaluator against one request and produces exactly
// one signed verdict. The integrity secret is shared only with the
// wallet executor.
type Engine struct {
	secret     []byte
	evaluators []Evaluator

	// Now is overridable for tests.
	Now func() time.Time
}

func NewEngine(secret []byte) *Engine {
	return &Engine{
		secret:     secret,
		evaluators: DefaultEvaluators(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewEngineWithEvaluators builds an engine over an explicit ordered
// evaluator list.
func NewEngineWithEvaluators(secret []byte, evaluators []Evaluator) *Engine {
	e := NewEngine(secret)
	e.evaluators = evaluators
	return e
}

// Evaluate aggregates all evaluator violations into one verdict.
// An evaluator that cannot complete its check is treated as a block:
// the engine fails closed, never skips a check.
func (e *Engine) Evaluate(req models.TransactionRequest, cfg models.PolicyConfig, history []models.AuditEntry) models.PolicyVerdict {
	now := e.Now().UTC()
	var violations []models.PolicyViolation
	for _, ev := range e.evaluators {
		found, err := ev.Check(req, cfg, history, now)
		if err != nil {
			violations = append(violations, models.PolicyViolation{
				Policy:   ev.Name,
				Message:  fmt.Sprintf("evaluator failed, treating as block: %v", err),
				Severity: models.SeverityBlock,
			})
			continue
		}
		violations = append(violations, found...)
	}

	blocked := hasSeverity(violations, models.SeverityBlock)
	needsHITL := hasSeverity(violations, models.SeverityHITL)

	verdict := models.PolicyVerdict{
		Approved:     !blocked && !needsHITL,
		TxRequest:    req,
		Violations:   violations,
		RequiresHITL: needsHITL,
		DecidedBy:    models.DecidedByPolicyEngine,
		DecidedAt:    now,
	}
	verdict.IntegrityHash = models.IntegrityHash(e.secret, req.ID, verdict.Approved, verdict.DecidedAt)
	return verdict
}

// RecordHumanDecision converts a HITL-pending verdict into a new signed
// verdict carrying the human outcome. The pending verdict is never
// mutated: resolution issues a fresh decision time and a fresh integrity
// hash so the tamper-evidence invariant holds end to end.
// A human approval cannot override a block-severity violation.
func (e *Engine) RecordHumanDecision(pending models.PolicyVerdict, approve bool) models.PolicyVerdict {
	now := e.Now().UTC()
	approved := approve && !hasSeverity(pending.Violations, models.SeverityBlock)
	resolved := models.PolicyVerdict{
		Approved:     approved,
		TxRequest:    pending.TxRequest,
		Violations:   pending.Violations,
		RequiresHITL: pending.RequiresHITL,
		DecidedBy:    models.DecidedByHuman,
		DecidedAt:    now,
	}
	resolved.IntegrityHash = models.IntegrityHash(e.secret, resolved.TxRequest.ID, resolved.Approved, resolved.DecidedAt)
	return resolved
}

// Sign stamps a verdict built outside the evaluator loop, such as a
// pricing refusal, with the engine's integrity hash.
func (e *Engine) Sign(v models.PolicyVerdict) string {
	return models.IntegrityHash(e.secret, v.TxRequest.ID, v.Approved, v.DecidedAt)
}

func hasSeverity(violations []models.PolicyViolation, severity models.Severity) bool {
	for _, v := range violations {
		if v.Severity == severity {
			return true
		}
	}
	return false
}
