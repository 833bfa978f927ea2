package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// CheckCooldown blocks while the configured cooldown since the most
// recent approved or executed entry has not elapsed.
func CheckCooldown(req models.TransactionRequest, cfg models.PolicyConfig, history []models.AuditEntry, now time.Time) ([]models.PolicyViolation, error) {
	if cfg.CooldownSeconds <= 0 {
		return nil, nil
	}
	approved := ApprovedHistory(history)
	if len(approved) == 0 {
		return nil, nil
	}
	last := approved[0]
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	elapsed := now.Sub(last.Timestamp)
	if elapsed >= cooldown {
		return nil, nil
	}
	remaining := int(math.Ceil((cooldown - elapsed).Seconds()))
	return []models.PolicyViolation{{
		Policy:   PolicyCooldown,
		Message:  fmt.Sprintf("cooldown active: %ds remaining", remaining),
		Severity: models.SeverityBlock,
	}}, nil
}
