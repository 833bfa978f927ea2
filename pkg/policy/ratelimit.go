package policy

import (
	"fmt"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// CheckRateLimit enforces the hourly and daily transaction-count caps
// over the approved/executed history. Both windows are checked
// independently; both violations may be reported together.
// A cap of zero or less means the window is unlimited.
func CheckRateLimit(req models.TransactionRequest, cfg models.PolicyConfig, history []models.AuditEntry, now time.Time) ([]models.PolicyViolation, error) {
	approved := ApprovedHistory(history)
	var out []models.PolicyViolation

	if cfg.MaxTransactionsPerHour > 0 {
		hourly := countSince(approved, now.Add(-time.Hour))
		if hourly >= cfg.MaxTransactionsPerHour {
			out = append(out, models.PolicyViolation{
				Policy:   PolicyRateLimit,
				Message:  fmt.Sprintf("hourly transaction limit reached (%d/%d in the last hour)", hourly, cfg.MaxTransactionsPerHour),
				Severity: models.SeverityBlock,
			})
		}
	}

	if cfg.MaxTransactionsPerDay > 0 {
		daily := countSince(approved, now.Add(-24*time.Hour))
		if daily >= cfg.MaxTransactionsPerDay {
			out = append(out, models.PolicyViolation{
				Policy:   PolicyRateLimit,
				Message:  fmt.Sprintf("daily transaction limit reached (%d/%d in the last 24h)", daily, cfg.MaxTransactionsPerDay),
				Severity: models.SeverityBlock,
			})
		}
	}

	return out, nil
}
