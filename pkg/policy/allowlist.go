package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Param fields the allowlist inspects, in precedence order. Proposers
// populating params per action are expected to use these names.
var (
	tokenParamFields    = []string{"token", "fromToken", "symbol"}
	contractParamFields = []string{"contractAddress", "to"}
)

// CheckAllowlist blocks actions on the blocked list unconditionally,
// then enforces the token and contract allowlists when configured.
// Empty allowlists mean no restriction.
func CheckAllowlist(req models.TransactionRequest, cfg models.PolicyConfig, _ []models.AuditEntry, _ time.Time) ([]models.PolicyViolation, error) {
	var out []models.PolicyViolation

	for _, blocked := range cfg.BlockedActions {
		if req.Action == blocked {
			return []models.PolicyViolation{{
				Policy:   PolicyAllowlist,
				Message:  fmt.Sprintf("action %s is in the blocked actions list", req.Action),
				Severity: models.SeverityBlock,
			}}, nil
		}
	}

	if len(cfg.AllowedTokens) > 0 {
		if token, ok := firstParam(req, tokenParamFields); ok {
			if !containsFold(cfg.AllowedTokens, strings.ToUpper(token), strings.ToUpper) {
				out = append(out, models.PolicyViolation{
					Policy:   PolicyAllowlist,
					Message:  fmt.Sprintf("token %s is not in the allowed token list", strings.ToUpper(token)),
					Severity: models.SeverityBlock,
				})
			}
		}
	}

	if len(cfg.AllowedContracts) > 0 {
		if contract, ok := firstParam(req, contractParamFields); ok {
			if !containsFold(cfg.AllowedContracts, strings.ToLower(contract), strings.ToLower) {
				out = append(out, models.PolicyViolation{
					Policy:   PolicyAllowlist,
					Message:  fmt.Sprintf("contract %s is not in the allowed contract list", strings.ToLower(contract)),
					Severity: models.SeverityBlock,
				})
			}
		}
	}

	return out, nil
}

func firstParam(req models.TransactionRequest, fields []string) (string, bool) {
	for _, f := range fields {
		if v, ok := req.ParamString(f); ok {
			return v, true
		}
	}
	return "", false
}

func containsFold(list []string, want string, fold func(string) string) bool {
	for _, item := range list {
		if fold(strings.TrimSpace(item)) == want {
			return true
		}
	}
	return false
}
