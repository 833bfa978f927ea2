package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/audit"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/breaker"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/dispatch"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/idempotency"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

const (
	// DefaultVerdictTTL bounds how stale a verdict may be at execution
	// time. Rate-limit windows, balances and allowlists move on; an old
	// approval must not be replayable against the new world state.
	DefaultVerdictTTL = 5 * time.Minute

	defaultDispatchTimeout = 60 * time.Second
)

// Options wires an Executor. Dispatcher may be nil for read-only mode;
// Breaker may be nil when no circuit breaker is deployed.
type Options struct {
	Secret          []byte
	Dispatcher      dispatch.Dispatcher
	Breaker         breaker.Breaker
	Idempotency     *idempotency.Store
	AuditLog        audit.Appender
	VerdictTTL      time.Duration
	DispatchTimeout time.Duration
	// OnResult observes every fresh dispatch outcome, typically to feed
	// the consecutive-failure tracker behind the breaker. Replayed
	// results are not re-observed.
	OnResult func(success bool)
}

// Executor is the only component allowed to call the dispatcher. It
// trusts nothing about a verdict except what it re-derives itself: the
// four security checks run in fixed order and short-circuit before the
// idempotency lookup, so a tampered or expired verdict always raises a
// security violation and never returns a cached success.
type Executor struct {
	secret          []byte
	dispatcher      dispatch.Dispatcher
	breaker         breaker.Breaker
	idem            *idempotency.Store
	auditLog        audit.Appender
	verdictTTL      time.Duration
	dispatchTimeout time.Duration
	onResult        func(success bool)

	// Now is a testable clock.
	Now func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(opts Options) *Executor {
	ttl := opts.VerdictTTL
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	timeout := opts.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Executor{
		secret:          opts.Secret,
		dispatcher:      opts.Dispatcher,
		breaker:         opts.Breaker,
		idem:            opts.Idempotency,
		auditLog:        opts.AuditLog,
		verdictTTL:      ttl,
		dispatchTimeout: timeout,
		onResult:        opts.OnResult,
		Now:             func() time.Time { return time.Now().UTC() },
		locks:           map[string]*sync.Mutex{},
	}
}

// Execute runs the ordered checks of the execution contract and, when
// they pass, dispatches at most once per verdict.
// Security violations come back as *SecurityViolationError; dispatcher
// failures come back as a failed ExecutionResult, recorded and audited,
// with a nil error.
func (x *Executor) Execute(ctx context.Context, verdict models.PolicyVerdict) (models.ExecutionResult, error) {
	reqID := verdict.TxRequest.ID

	// 1. Approval check. A caller respecting the contract never gets
	// here with an unapproved verdict, so this is an alarm, not a
	// routine rejection.
	if !verdict.Approved {
		return models.ExecutionResult{}, &SecurityViolationError{
			Kind: ViolationUnapproved, RequestID: reqID,
			Message: "unapproved verdict reached the executor",
		}
	}

	// 2. Integrity check.
	if !models.VerifyIntegrity(x.secret, verdict) {
		return models.ExecutionResult{}, &SecurityViolationError{
			Kind: ViolationIntegrity, RequestID: reqID,
			Message: "integrity hash mismatch: possible tampering",
		}
	}

	// 3. Freshness check.
	now := x.Now()
	if age := now.Sub(verdict.DecidedAt); age > x.verdictTTL {
		return models.ExecutionResult{}, &SecurityViolationError{
			Kind: ViolationExpired, RequestID: reqID,
			Message: fmt.Sprintf("verdict expired: decided %s ago, ttl %s", age.Round(time.Millisecond), x.verdictTTL),
		}
	}

	// 4. Circuit-breaker re-check at execution time, closing the gap
	// between evaluation and execution.
	if x.breaker != nil && x.breaker.Tripped() {
		return models.ExecutionResult{}, &SecurityViolationError{
			Kind: ViolationBreaker, RequestID: reqID,
			Message: "circuit breaker tripped at execution time",
		}
	}

	// 5. Idempotency, only after every security check passed.
	key := models.IdempotencyKey(x.secret, verdict)
	unlock := x.lockKey(key)
	defer unlock()

	if recorded, hit, err := x.idem.Get(ctx, key); err != nil {
		return models.ExecutionResult{}, fmt.Errorf("idempotency lookup for %s: %w", reqID, err)
	} else if hit {
		return recorded, nil
	}

	// 6. Dispatch. Without a dispatcher the guard runs read-only: a
	// non-failure mode that must not trip breakers or claim the key.
	if x.dispatcher == nil {
		return models.ExecutionResult{Success: false, Error: "no dispatcher configured, read-only mode"}, nil
	}
	res := x.dispatch(ctx, verdict.TxRequest)

	// 7. Record, then audit. The result is recorded on failure too so a
	// failed dispatch is never retried with duplicate side effects.
	if err := x.idem.Record(ctx, key, res); err != nil {
		return res, fmt.Errorf("record execution result for %s: %w", reqID, err)
	}
	if x.onResult != nil {
		x.onResult(res.Success)
	}

	tag := models.VerdictExecuted
	if !res.Success {
		tag = models.VerdictExecutionFailed
	}
	entry := models.AuditEntry{
		ID:              uuid.NewString(),
		TxRequest:       verdict.TxRequest,
		Verdict:         tag,
		Violations:      verdict.Violations,
		Timestamp:       x.Now(),
		ExecutionResult: &res,
	}
	if err := x.auditLog.Append(ctx, entry); err != nil {
		return res, fmt.Errorf("audit append for %s: %w", reqID, err)
	}
	return res, nil
}

func (x *Executor) dispatch(ctx context.Context, req models.TransactionRequest) models.ExecutionResult {
	dispatchCtx, cancel := context.WithTimeout(ctx, x.dispatchTimeout)
	defer cancel()
	res, err := x.dispatcher.Dispatch(dispatchCtx, req)
	if err != nil {
		return models.ExecutionResult{Success: false, Error: err.Error()}
	}
	return res
}

// lockKey serializes concurrent executions of the same verdict so the
// get-then-dispatch-then-record sequence is atomic per key.
func (x *Executor) lockKey(key string) func() {
	x.lockMu.Lock()
	mu, ok := x.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		x.locks[key] = mu
	}
	x.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
