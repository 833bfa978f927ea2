package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Action identifies what kind of on-chain effect a request proposes.
type Action string

const (
	ActionSwap        Action = "swap"
	ActionTransfer    Action = "transfer"
	ActionDeployToken Action = "deploy_token"
	ActionSignMessage Action = "sign_message"
)

// Chain names a supported execution chain.
type Chain string

const (
	ChainBase     Chain = "base"
	ChainEthereum Chain = "ethereum"
	ChainArbitrum Chain = "arbitrum"
	ChainOptimism Chain = "optimism"
	ChainPolygon  Chain = "polygon"
	ChainSolana   Chain = "solana"
)

// Request provenance tags.
const (
	SourceReasoning = "reasoning"
	SourceScheduler = "scheduler"
)

// TransactionRequest is a proposed action. It is never executed directly;
// it only enters execution embedded in an approved, signed verdict.
// EstimatedValueUSD from the proposer is never trusted: the guard
// overwrites it before any policy reads it.
type TransactionRequest struct {
	ID                string                 `json:"id"`
	Action            Action                 `json:"action"`
	Params            map[string]interface{} `json:"params"`
	Chain             Chain                  `json:"chain"`
	Reason            string                 `json:"reason"`
	RequestedAt       time.Time              `json:"requested_at"`
	EstimatedValueUSD float64                `json:"estimated_value_usd"`
	Source            string                 `json:"source"`
}

// Severity of a policy violation.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityHITL  Severity = "hitl"
	SeverityWarn  Severity = "warn"
)

type PolicyViolation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// DecidedBy records which authority produced a verdict.
type DecidedBy string

const (
	DecidedByPolicyEngine DecidedBy = "policy_engine"
	DecidedByHuman        DecidedBy = "human"
)

// PolicyVerdict is the immutable decision artifact for one request.
// IntegrityHash is the sole trust anchor the executor checks; mutating
// Approved, the request ID, or DecidedAt after issuance invalidates it.
type PolicyVerdict struct {
	Approved      bool               `json:"approved"`
	TxRequest     TransactionRequest `json:"tx_request"`
	Violations    []PolicyViolation  `json:"violations"`
	RequiresHITL  bool               `json:"requires_hitl"`
	DecidedBy     DecidedBy          `json:"decided_by"`
	DecidedAt     time.Time          `json:"decided_at"`
	IntegrityHash string             `json:"integrity_hash"`
}

// VerdictTag classifies an audit entry outcome.
type VerdictTag string

const (
	VerdictAutoApproved    VerdictTag = "AUTO_APPROVED"
	VerdictApprovedHITL    VerdictTag = "APPROVED_HITL"
	VerdictRejectedHITL    VerdictTag = "REJECTED_HITL"
	VerdictBlocked         VerdictTag = "BLOCKED"
	VerdictExecuted        VerdictTag = "EXECUTED"
	VerdictExecutionFailed VerdictTag = "EXECUTION_FAILED"
)

// Approved reports whether the tag counts as an approval or execution for
// cooldown, rate-limit and amount-limit history windows.
func (t VerdictTag) Approved() bool {
	switch t {
	case VerdictAutoApproved, VerdictApprovedHITL, VerdictExecuted:
		return true
	default:
		return false
	}
}

// AuditEntry is one append-only record of a decision or execution
// outcome. Entries are never mutated or deleted; recent history for the
// stateful policies is reconstructed entirely from them.
type AuditEntry struct {
	ID              string             `json:"id"`
	TxRequest       TransactionRequest `json:"tx_request"`
	Verdict         VerdictTag         `json:"verdict"`
	Violations      []PolicyViolation  `json:"violations,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	ExecutionResult *ExecutionResult   `json:"execution_result,omitempty"`
}

// ExecutionResult is what the dispatcher reported back.
type ExecutionResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PolicyConfig carries operator-supplied limits. It is loaded once per
// evaluation cycle and read-only for every policy.
type PolicyConfig struct {
	MaxPerTransactionUSD   float64  `json:"max_per_transaction_usd"`
	MaxDailyUSD            float64  `json:"max_daily_usd"`
	MaxTransactionsPerHour int      `json:"max_transactions_per_hour"`
	MaxTransactionsPerDay  int      `json:"max_transactions_per_day"`
	CooldownSeconds        int      `json:"cooldown_seconds"`
	HITLThresholdUSD       float64  `json:"hitl_threshold_usd"`
	AllowedTokens          []string `json:"allowed_tokens"`
	AllowedContracts       []string `json:"allowed_contracts"`
	BlockedActions         []Action `json:"blocked_actions"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures"`
}

// ParamString extracts a string field from request params.
func (r TransactionRequest) ParamString(key string) (string, bool) {
	if r.Params == nil {
		return "", false
	}
	v, ok := r.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ParamFloat extracts a numeric field from request params. Accepts JSON
// numbers and numeric strings, the two shapes proposers actually send.
func (r TransactionRequest) ParamFloat(key string) (float64, bool) {
	if r.Params == nil {
		return 0, false
	}
	switch v := r.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
