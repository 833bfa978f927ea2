// Package guard wires pricing, policy evaluation, execution and
// auditing into the single pipeline every transaction request flows
// through, regardless of whether it arrived over HTTP, Kafka, or a
// human resolution.
package guard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/audit"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/executor"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/policy"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/pricing"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/stream"
)

const (
	// EventDecision is published for every fresh policy verdict.
	EventDecision = "decision"
	// EventExecuted is published after a dispatch outcome is recorded.
	EventExecuted = "executed"
	// EventSecurityViolation is published when the executor refuses a
	// verdict that should never have reached it.
	EventSecurityViolation = "security_violation"

	// DefaultPendingTTL bounds how long a hitl verdict waits for a
	// human before it lapses.
	DefaultPendingTTL = time.Hour

	// historyWindow is how far back policy evaluation reads the audit
	// log. The widest policy window is 24h; the extra hour absorbs
	// clock skew between appenders.
	historyWindow = 25 * time.Hour
)

// ErrPendingNotFound reports a hitl resolution for a request that is
// not waiting (never submitted, already resolved, or lapsed).
var ErrPendingNotFound = fmt.Errorf("no pending verdict for request")

// Options configures a Pipeline. Engine, Estimator and AuditLog are
// required; a nil Executor means decisions are recorded but nothing is
// dispatched.
type Options struct {
	Engine    *policy.Engine
	Estimator pricing.Estimator
	AuditLog  audit.Log
	Executor  *executor.Executor
	Hub       *stream.Hub

	// Policy returns the current limits. Called once per evaluation so
	// operators can swap config without a restart.
	Policy func() models.PolicyConfig

	PendingTTL time.Duration
}

type pendingVerdict struct {
	verdict   models.PolicyVerdict
	expiresAt time.Time
}

// Pipeline serializes evaluation-then-execution per proposer and owns
// the pending human-review queue.
type Pipeline struct {
	engine     *policy.Engine
	estimator  pricing.Estimator
	auditLog   audit.Log
	executor   *executor.Executor
	hub        *stream.Hub
	policyFn   func() models.PolicyConfig
	pendingTTL time.Duration

	// Now is a testable clock.
	Now func() time.Time

	sourceMu sync.Mutex
	sources  map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]pendingVerdict
}

func New(opts Options) *Pipeline {
	ttl := opts.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Pipeline{
		engine:     opts.Engine,
		estimator:  opts.Estimator,
		auditLog:   opts.AuditLog,
		executor:   opts.Executor,
		hub:        opts.Hub,
		policyFn:   opts.Policy,
		pendingTTL: ttl,
		Now:        func() time.Time { return time.Now().UTC() },
		sources:    map[string]*sync.Mutex{},
		pending:    map[string]pendingVerdict{},
	}
}

// Evaluate runs a request through pricing and policy without recording
// anything. Dry runs never enter the audit history, so they cannot
// consume rate-limit or cooldown budget.
func (p *Pipeline) Evaluate(ctx context.Context, req models.TransactionRequest) (models.PolicyVerdict, error) {
	return p.decide(ctx, req)
}

// Submit runs a request through the full pipeline: price, evaluate,
// audit the decision, then execute when auto-approved or queue for
// human review when required. The returned ExecutionResult is non-nil
// only when a dispatch was attempted.
func (p *Pipeline) Submit(ctx context.Context, req models.TransactionRequest) (models.PolicyVerdict, *models.ExecutionResult, error) {
	mu := p.sourceLock(req.Source)
	mu.Lock()
	defer mu.Unlock()

	verdict, err := p.decide(ctx, req)
	if err != nil {
		return models.PolicyVerdict{}, nil, err
	}

	// A hitl verdict without hard blocks is neither approved nor
	// blocked yet; it enters the review queue and is audited as
	// APPROVED_HITL or REJECTED_HITL when a human resolves it.
	if verdict.RequiresHITL && !hasBlock(verdict.Violations) {
		p.addPending(verdict)
		p.publish(EventDecision, verdict)
		return verdict, nil, nil
	}

	tag := models.VerdictBlocked
	if verdict.Approved {
		tag = models.VerdictAutoApproved
	}
	if err := p.recordDecision(ctx, verdict, tag); err != nil {
		return models.PolicyVerdict{}, nil, err
	}
	p.publish(EventDecision, verdict)

	if !verdict.Approved {
		return verdict, nil, nil
	}
	res, err := p.execute(ctx, verdict)
	return verdict, res, err
}

// ExecuteVerdict hands a previously issued verdict to the executor,
// serialized against other work from the same proposer.
func (p *Pipeline) ExecuteVerdict(ctx context.Context, verdict models.PolicyVerdict) (*models.ExecutionResult, error) {
	mu := p.sourceLock(verdict.TxRequest.Source)
	mu.Lock()
	defer mu.Unlock()
	return p.execute(ctx, verdict)
}

// Pending lists verdicts awaiting human review, pruning lapsed ones.
func (p *Pipeline) Pending() []models.PolicyVerdict {
	now := p.Now()
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	out := make([]models.PolicyVerdict, 0, len(p.pending))
	for id, pv := range p.pending {
		if now.After(pv.expiresAt) {
			delete(p.pending, id)
			continue
		}
		out = append(out, pv.verdict)
	}
	return out
}

// Resolve applies a human decision to a pending verdict. Approval
// issues a fresh signed verdict and executes it; rejection only
// records the refusal. Either way the pending entry is consumed.
func (p *Pipeline) Resolve(ctx context.Context, requestID string, approve bool) (models.PolicyVerdict, *models.ExecutionResult, error) {
	pv, ok := p.takePending(requestID)
	if !ok {
		return models.PolicyVerdict{}, nil, fmt.Errorf("%w %s", ErrPendingNotFound, requestID)
	}

	mu := p.sourceLock(pv.verdict.TxRequest.Source)
	mu.Lock()
	defer mu.Unlock()

	resolved := p.engine.RecordHumanDecision(pv.verdict, approve)
	tag := models.VerdictRejectedHITL
	if resolved.Approved {
		tag = models.VerdictApprovedHITL
	}
	if err := p.recordDecision(ctx, resolved, tag); err != nil {
		return models.PolicyVerdict{}, nil, err
	}
	p.publish(EventDecision, resolved)

	if !resolved.Approved {
		return resolved, nil, nil
	}
	res, err := p.execute(ctx, resolved)
	return resolved, res, err
}

// decide prices the request and evaluates policy against the
// proposer's recent history. Pricing failures on value-bearing actions
// produce a blocked verdict rather than an error: an unpriceable
// request must not slip past the amount limits.
func (p *Pipeline) decide(ctx context.Context, req models.TransactionRequest) (models.PolicyVerdict, error) {
	cfg := p.policyFn()
	now := p.Now()

	usd, err := p.estimator.EstimateUSD(req)
	if err != nil {
		verdict := models.PolicyVerdict{
			Approved:  false,
			TxRequest: req,
			Violations: []models.PolicyViolation{{
				Policy:   "pricing",
				Severity: models.SeverityBlock,
				Message:  fmt.Sprintf("cannot price request: %v", err),
			}},
			DecidedBy: models.DecidedByPolicyEngine,
			DecidedAt: now,
		}
		verdict.IntegrityHash = p.engine.Sign(verdict)
		return verdict, nil
	}
	req.EstimatedValueUSD = usd

	history, err := p.auditLog.Recent(ctx, req.Source, now.Add(-historyWindow))
	if err != nil {
		return models.PolicyVerdict{}, fmt.Errorf("read history for %s: %w", req.Source, err)
	}
	return p.engine.Evaluate(req, cfg, history), nil
}

func (p *Pipeline) execute(ctx context.Context, verdict models.PolicyVerdict) (*models.ExecutionResult, error) {
	if p.executor == nil {
		return nil, nil
	}
	res, err := p.executor.Execute(ctx, verdict)
	if err != nil {
		if executor.IsSecurityViolation(err) {
			log.Printf("guard: security violation for request %s: %v", verdict.TxRequest.ID, err)
			p.publish(EventSecurityViolation, map[string]string{
				"request_id": verdict.TxRequest.ID,
				"error":      err.Error(),
			})
		}
		return nil, err
	}
	p.publish(EventExecuted, models.AuditEntry{
		TxRequest:       verdict.TxRequest,
		Verdict:         executionTag(res),
		Timestamp:       p.Now(),
		ExecutionResult: &res,
	})
	return &res, nil
}

func (p *Pipeline) recordDecision(ctx context.Context, verdict models.PolicyVerdict, tag models.VerdictTag) error {
	entry := models.AuditEntry{
		ID:         uuid.NewString(),
		TxRequest:  verdict.TxRequest,
		Verdict:    tag,
		Violations: verdict.Violations,
		Timestamp:  verdict.DecidedAt,
	}
	if err := p.auditLog.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit decision for %s: %w", verdict.TxRequest.ID, err)
	}
	return nil
}

func (p *Pipeline) sourceLock(source string) *sync.Mutex {
	p.sourceMu.Lock()
	defer p.sourceMu.Unlock()
	mu, ok := p.sources[source]
	if !ok {
		mu = &sync.Mutex{}
		p.sources[source] = mu
	}
	return mu
}

func (p *Pipeline) addPending(verdict models.PolicyVerdict) {
	p.pendingMu.Lock()
	p.pending[verdict.TxRequest.ID] = pendingVerdict{
		verdict:   verdict,
		expiresAt: p.Now().Add(p.pendingTTL),
	}
	p.pendingMu.Unlock()
}

func (p *Pipeline) takePending(requestID string) (pendingVerdict, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	pv, ok := p.pending[requestID]
	if !ok {
		return pendingVerdict{}, false
	}
	delete(p.pending, requestID)
	if p.Now().After(pv.expiresAt) {
		return pendingVerdict{}, false
	}
	return pv, true
}

func (p *Pipeline) publish(eventType string, data interface{}) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(stream.NewEvent(eventType, data))
}

func executionTag(res models.ExecutionResult) models.VerdictTag {
	if res.Success {
		return models.VerdictExecuted
	}
	return models.VerdictExecutionFailed
}

func hasBlock(violations []models.PolicyViolation) bool {
	for _, v := range violations {
		if v.Severity == models.SeverityBlock {
			return true
		}
	}
	return false
}
