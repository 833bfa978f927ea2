package policy

import (
	"fmt"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// CheckAmountLimit enforces the per-transaction USD cap, the projected
// daily USD cap, and the HITL threshold. The HITL violation is
// non-blocking on its own; it marks the request as needing human
// sign-off.
func CheckAmountLimit(req models.TransactionRequest, cfg models.PolicyConfig, history []models.AuditEntry, now time.Time) ([]models.PolicyViolation, error) {
	var out []models.PolicyViolation
	value := req.EstimatedValueUSD

	if cfg.MaxPerTransactionUSD > 0 && value > cfg.MaxPerTransactionUSD {
		out = append(out, models.PolicyViolation{
			Policy:   PolicyAmountLimit,
			Message:  fmt.Sprintf("amount $%.2f exceeds per-transaction limit $%.2f", value, cfg.MaxPerTransactionUSD),
			Severity: models.SeverityBlock,
		})
	}

	if cfg.MaxDailyUSD > 0 {
		spent := sumValueSince(ApprovedHistory(history), now.Add(-24*time.Hour))
		projected := spent + value
		if projected > cfg.MaxDailyUSD {
			out = append(out, models.PolicyViolation{
				Policy:   PolicyAmountLimit,
				Message:  fmt.Sprintf("projected daily spend $%.2f (already spent $%.2f) exceeds daily limit $%.2f", projected, spent, cfg.MaxDailyUSD),
				Severity: models.SeverityBlock,
			})
		}
	}

	if cfg.HITLThresholdUSD > 0 && value > cfg.HITLThresholdUSD {
		out = append(out, models.PolicyViolation{
			Policy:   PolicyAmountLimit,
			Message:  fmt.Sprintf("amount $%.2f above HITL threshold $%.2f: human approval required", value, cfg.HITLThresholdUSD),
			Severity: models.SeverityHITL,
		})
	}

	return out, nil
}
