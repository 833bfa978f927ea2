package policy

import (
	"sort"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Evaluator is one named policy check. Check is a pure function of the
// request, the config snapshot and the supplied history: no I/O, no
// side effects, safe to run in any order or concurrently.
// A returned error means the check could not complete; the engine treats
// that as a block, never as a pass.
type Evaluator struct {
	Name  string
	Check func(req models.TransactionRequest, cfg models.PolicyConfig, history []models.AuditEntry, now time.Time) ([]models.PolicyViolation, error)
}

// DefaultEvaluators returns the evaluators in their fixed order.
// Allowlist runs first so blocked actions override everything else.
func DefaultEvaluators() []Evaluator {
	return []Evaluator{
		{Name: PolicyAllowlist, Check: CheckAllowlist},
		{Name: PolicyCooldown, Check: CheckCooldown},
		{Name: PolicyRateLimit, Check: CheckRateLimit},
		{Name: PolicyAmountLimit, Check: CheckAmountLimit},
	}
}

const (
	PolicyAllowlist   = "allowlist"
	PolicyCooldown    = "cooldown"
	PolicyRateLimit   = "rate_limit"
	PolicyAmountLimit = "amount_limit"
)

// ApprovedHistory filters entries whose verdict counts as an approval or
// execution, deduplicated by request ID so a request that was approved
// and later executed is counted once. The result is sorted by timestamp
// descending; for a duplicated request ID the most recent entry wins.
func ApprovedHistory(entries []models.AuditEntry) []models.AuditEntry {
	latest := map[string]models.AuditEntry{}
	for _, e := range entries {
		if !e.Verdict.Approved() {
			continue
		}
		prev, seen := latest[e.TxRequest.ID]
		if !seen || e.Timestamp.After(prev.Timestamp) {
			latest[e.TxRequest.ID] = e
		}
	}
	out := make([]models.AuditEntry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func countSince(entries []models.AuditEntry, cutoff time.Time) int {
	n := 0
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func sumValueSince(entries []models.AuditEntry, cutoff time.Time) float64 {
	total := 0.0
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			total += e.TxRequest.EstimatedValueUSD
		}
	}
	return total
}
