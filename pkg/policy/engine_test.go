package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

func testEngine(secret string) *Engine {
	e := NewEngine([]byte(secret))
	e.Now = func() time.Time { return testNow }
	return e
}

func TestEvaluateApproves(t *testing.T) {
	e := testEngine("s1")
	cfg := models.PolicyConfig{MaxPerTransactionUSD: 500}
	req := models.TransactionRequest{ID: "r1", Action: models.ActionTransfer, EstimatedValueUSD: 100}

	v := e.Evaluate(req, cfg, nil)
	if !v.Approved || v.RequiresHITL || len(v.Violations) != 0 {
		t.Fatalf("expected clean approval, got %+v", v)
	}
	if v.DecidedBy != models.DecidedByPolicyEngine {
		t.Fatalf("unexpected decider: %s", v.DecidedBy)
	}
	if !models.VerifyIntegrity([]byte("s1"), v) {
		t.Fatal("verdict must carry a valid integrity hash")
	}
}

func TestEvaluateAggregatesAllEvaluators(t *testing.T) {
	e := testEngine("s1")
	cfg := models.PolicyConfig{
		MaxPerTransactionUSD:   50,
		MaxTransactionsPerHour: 1,
		CooldownSeconds:        300,
	}
	history := []models.AuditEntry{approvedEntry("prev", testNow.Add(-time.Minute), 10)}
	req := models.TransactionRequest{ID: "r1", Action: models.ActionTransfer, EstimatedValueUSD: 100}

	v := e.Evaluate(req, cfg, history)
	if v.Approved {
		t.Fatal("expected rejection")
	}
	seen := map[string]bool{}
	for _, violation := range v.Violations {
		seen[violation.Policy] = true
	}
	for _, name := range []string{PolicyCooldown, PolicyRateLimit, PolicyAmountLimit} {
		if !seen[name] {
			t.Fatalf("expected violation from %s, got %+v", name, v.Violations)
		}
	}
}

func TestEvaluateHITLNotAutoApproved(t *testing.T) {
	e := testEngine("s1")
	cfg := models.PolicyConfig{MaxPerTransactionUSD: 1000, HITLThresholdUSD: 500}
	req := models.TransactionRequest{ID: "r1", EstimatedValueUSD: 750}

	v := e.Evaluate(req, cfg, nil)
	if v.Approved {
		t.Fatal("engine must never auto-approve a hitl-flagged request")
	}
	if !v.RequiresHITL {
		t.Fatal("requires_hitl must be set")
	}
}

func TestEvaluateFailsClosedOnEvaluatorError(t *testing.T) {
	broken := Evaluator{
		Name: "broken",
		Check: func(models.TransactionRequest, models.PolicyConfig, []models.AuditEntry, time.Time) ([]models.PolicyViolation, error) {
			return nil, errors.New("config unavailable")
		},
	}
	e := NewEngineWithEvaluators([]byte("s1"), []Evaluator{broken})
	e.Now = func() time.Time { return testNow }

	v := e.Evaluate(models.TransactionRequest{ID: "r1"}, models.PolicyConfig{}, nil)
	if v.Approved {
		t.Fatal("evaluator error must fail closed")
	}
	if len(v.Violations) != 1 || v.Violations[0].Severity != models.SeverityBlock {
		t.Fatalf("expected synthetic block violation, got %+v", v.Violations)
	}
}

func TestRecordHumanDecision(t *testing.T) {
	e := testEngine("s1")
	cfg := models.PolicyConfig{MaxPerTransactionUSD: 1000, HITLThresholdUSD: 500}
	req := models.TransactionRequest{ID: "r1", EstimatedValueUSD: 750}
	pending := e.Evaluate(req, cfg, nil)

	e.Now = func() time.Time { return testNow.Add(time.Minute) }
	resolved := e.RecordHumanDecision(pending, true)
	if !resolved.Approved {
		t.Fatal("human approval should approve a hitl-only verdict")
	}
	if resolved.DecidedBy != models.DecidedByHuman {
		t.Fatalf("unexpected decider: %s", resolved.DecidedBy)
	}
	if resolved.IntegrityHash == pending.IntegrityHash {
		t.Fatal("resolution must issue a fresh integrity hash")
	}
	if !models.VerifyIntegrity([]byte("s1"), resolved) {
		t.Fatal("resolved verdict must verify")
	}
	if pending.Approved {
		t.Fatal("pending verdict must remain unmutated")
	}

	rejected := e.RecordHumanDecision(pending, false)
	if rejected.Approved {
		t.Fatal("human rejection must not approve")
	}
}

func TestHumanCannotOverrideBlock(t *testing.T) {
	e := testEngine("s1")
	cfg := models.PolicyConfig{MaxPerTransactionUSD: 100, HITLThresholdUSD: 50}
	req := models.TransactionRequest{ID: "r1", EstimatedValueUSD: 200}
	pending := e.Evaluate(req, cfg, nil)

	resolved := e.RecordHumanDecision(pending, true)
	if resolved.Approved {
		t.Fatal("block-severity violations are not human-overridable")
	}
}
