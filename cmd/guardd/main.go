package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/audit"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/auth"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/breaker"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/dispatch"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/executor"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/guard"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/hardening"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/httpx"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/idempotency"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/metrics"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/policy"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/pricing"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/ratelimit"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/requestbus"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/store"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/stream"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/telemetry"
)

type Server struct {
	Pipeline *guard.Pipeline
	Engine   *policy.Engine
	Audit    audit.Log
	FileLog  *audit.FileLog
	Breaker  *breaker.ConsecutiveFailures
	Metrics  *metrics.Registry
	Events   *stream.Hub

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64

	PolicyPath           string
	PolicyReloadInterval time.Duration

	policyMu  sync.RWMutex
	policyCfg models.PolicyConfig

	bus requestbus.Consumer
}

type guardDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type guardDBCloser interface {
	guardDB
	Close()
}

type guardInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type guardOpenDBFunc func(ctx context.Context) (guardDBCloser, error)
type guardOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type guardListenFunc func(server *http.Server) error
type guardStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (guardDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		if s.PolicyPath != "" && s.PolicyReloadInterval > 0 {
			go s.policyReloadLoop(context.Background())
		}
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGuard(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("guardd: %v", err)
	}
}

func runGuard(
	initTelemetry guardInitTelemetryFunc,
	openDB guardOpenDBFunc,
	openRedis guardOpenRedisFunc,
	listen guardListenFunc,
	startLoops guardStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "guardd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	integritySecret := env("GUARD_INTEGRITY_SECRET", "")
	if strings.TrimSpace(integritySecret) == "" {
		return errors.New("GUARD_INTEGRITY_SECRET is required")
	}

	fileLog, err := audit.NewFileLog(env("AUDIT_DIR", "./audit"))
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	var auditLog audit.Log = fileLog

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	if env("AUDIT_MIRROR_ENABLED", "false") == "true" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("audit mirror db: %w", err)
		}
		defer pool.Close()
		auditLog = audit.NewTee(fileLog, &audit.PostgresMirror{
			DB:       pool,
			HashSalt: []byte(auditSalt),
			Redact:   auditRedact,
		})
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		Engine:               policy.NewEngine([]byte(integritySecret)),
		Audit:                auditLog,
		FileLog:              fileLog,
		Metrics:              metrics.NewRegistry(),
		Events:               stream.NewHub(),
		RateLimitEnabled:     env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:   envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:             env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:           env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes:  maxRequestBodyBytes,
		PolicyPath:           env("POLICY_CONFIG_PATH", ""),
		PolicyReloadInterval: envDurationSec("POLICY_RELOAD_SEC", 30),
	}
	cfg, err := loadPolicyConfig(s.PolicyPath)
	if err != nil {
		return fmt.Errorf("policy config: %w", err)
	}
	s.setPolicyConfig(cfg)
	s.Breaker = breaker.NewConsecutiveFailures(cfg.MaxConsecutiveFailures)

	dispatcherURL := strings.TrimSpace(env("DISPATCHER_URL", ""))
	var dispatcher dispatch.Dispatcher
	if dispatcherURL != "" {
		d := dispatch.NewHTTPDispatcher(dispatcherURL)
		d.Client = telemetry.InstrumentClient(&http.Client{
			Timeout: time.Millisecond * time.Duration(envInt("DISPATCHER_TIMEOUT_MS", 30000)),
		})
		d.AuthHeader = env("DISPATCHER_AUTH_HEADER", "")
		d.AuthToken = env("DISPATCHER_AUTH_TOKEN", "")
		d.Retries = envInt("DISPATCHER_RETRIES", 2)
		d.RetryDelay = time.Millisecond * time.Duration(envInt("DISPATCHER_RETRY_DELAY_MS", 500))
		dispatcher = d
	} else {
		log.Printf("DISPATCHER_URL not set, running read-only: verdicts are issued but nothing dispatches")
	}

	exec := executor.New(executor.Options{
		Secret:          []byte(integritySecret),
		Dispatcher:      dispatcher,
		Breaker:         s.Breaker,
		Idempotency:     idempotency.NewWithTTL(cache, envDurationSec("IDEMPOTENCY_TTL_SEC", 86400)),
		AuditLog:        auditLog,
		VerdictTTL:      envDurationSec("VERDICT_TTL_SEC", 300),
		DispatchTimeout: envDurationSec("DISPATCH_TIMEOUT_SEC", 60),
		OnResult:        s.Breaker.Observe,
	})

	prices, err := loadPriceTable(env("PRICE_TABLE_PATH", ""))
	if err != nil {
		return fmt.Errorf("price table: %w", err)
	}
	s.Pipeline = guard.New(guard.Options{
		Engine:     s.Engine,
		Estimator:  pricing.NewStaticTable(prices),
		AuditLog:   auditLog,
		Executor:   exec,
		Hub:        s.Events,
		Policy:     s.policyConfig,
		PendingTTL: envDurationSec("HITL_PENDING_TTL_SEC", 3600),
	})

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	requiredSecrets := []hardening.EnvRequirement{}
	if dispatcherURL != "" {
		requiredSecrets = append(requiredSecrets,
			hardening.EnvRequirement{Name: "DISPATCHER_AUTH_HEADER", Value: env("DISPATCHER_AUTH_HEADER", "")},
			hardening.EnvRequirement{Name: "DISPATCHER_AUTH_TOKEN", Value: env("DISPATCHER_AUTH_TOKEN", "")},
		)
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "guardd",
		Environment:            runtimeEnv,
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:              env("REDIS_ADDR", ""),
		RedisRequireTLS:        env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:     env("CORS_ALLOWED_ORIGINS", ""),
		IntegritySecret:        integritySecret,
		DispatcherURL:          dispatcherURL,
		RequiredServiceSecrets: requiredSecrets,
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := requestbus.NewKafkaConsumer(requestbus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "guard.requests"),
			GroupID: env("KAFKA_GROUP_ID", "guardd"),
		})
		if err != nil {
			return err
		}
		s.bus = consumer
		go s.consumeRequests(context.Background())
	}
	defer func() {
		if s.bus != nil {
			_ = s.bus.Close()
		}
	}()

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("guardd"))
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "guardd"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	if s.RateLimitEnabled && s.RateLimiter != nil {
		authRouter.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, ratelimit.ByClientIP))
	}
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/requests/evaluate", s.withRoles(s.handleEvaluate, "operator", "auditor"))
	authRouter.Post("/v1/requests/submit", s.withRoles(s.handleSubmit, "operator"))
	authRouter.Post("/v1/verdicts/execute", s.withRoles(s.handleExecuteVerdict, "operator"))
	authRouter.Get("/v1/audit", s.withRoles(s.handleAuditList, "auditor", "operator"))
	authRouter.Get("/v1/hitl", s.withRoles(s.handleHITLPending, "approver", "operator"))
	authRouter.Post("/v1/hitl/{request_id}/resolve", s.withRoles(s.handleHITLResolve, "approver"))
	authRouter.Get("/v1/policy", s.withRoles(s.handlePolicyGet, "operator", "auditor"))
	authRouter.Post("/v1/policy/reload", s.withRoles(s.handlePolicyReload, "operator"))
	authRouter.Get("/v1/breaker", s.withRoles(s.handleBreakerStatus, "operator", "auditor"))
	authRouter.Post("/v1/breaker/reset", s.withRoles(s.handleBreakerReset, "operator"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "auditor", "approver"))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("guardd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	verdict, err := s.Pipeline.Evaluate(r.Context(), req)
	s.Metrics.ObserveEvalLatency(time.Since(start))
	if err != nil {
		log.Printf("evaluate %s: %v", req.ID, err)
		httpx.Error(w, 500, "evaluation failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"status":  verdictStatus(verdict),
		"verdict": verdict,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	verdict, res, err := s.Pipeline.Submit(r.Context(), req)
	s.Metrics.ObserveEvalLatency(time.Since(start))
	if err != nil {
		var sv *executor.SecurityViolationError
		if errors.As(err, &sv) {
			s.Metrics.IncSecurityViolation(string(sv.Kind))
			httpx.WriteJSON(w, 409, map[string]interface{}{
				"status":  "refused",
				"verdict": verdict,
				"error":   sv.Error(),
			})
			return
		}
		log.Printf("submit %s: %v", req.ID, err)
		httpx.Error(w, 500, "submit failed")
		return
	}
	s.observeVerdict(verdict)
	status := verdictStatus(verdict)
	code := 200
	body := map[string]interface{}{"verdict": verdict}
	switch {
	case res != nil:
		if res.Success {
			status = "executed"
		} else {
			status = "execution_failed"
		}
		body["execution"] = res
	case status == "pending_review":
		code = 202
	}
	body["status"] = status
	httpx.WriteJSON(w, code, body)
}

func (s *Server) handleExecuteVerdict(w http.ResponseWriter, r *http.Request) {
	var verdict models.PolicyVerdict
	if err := httpx.DecodeJSON(r, &verdict); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if verdict.TxRequest.ID == "" || verdict.IntegrityHash == "" {
		httpx.Error(w, 400, "tx_request.id and integrity_hash required")
		return
	}
	res, err := s.Pipeline.ExecuteVerdict(r.Context(), verdict)
	if err != nil {
		var sv *executor.SecurityViolationError
		if errors.As(err, &sv) {
			s.Metrics.IncSecurityViolation(string(sv.Kind))
			httpx.Error(w, 403, sv.Error())
			return
		}
		log.Printf("execute %s: %v", verdict.TxRequest.ID, err)
		httpx.Error(w, 500, "execution failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"execution": res})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if day := strings.TrimSpace(q.Get("day")); day != "" {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			httpx.Error(w, 400, "day must be YYYY-MM-DD")
			return
		}
		entries, err := s.FileLog.Day(r.Context(), t)
		if err != nil {
			httpx.Error(w, 500, "audit read failed")
			return
		}
		httpx.WriteJSON(w, 200, map[string]interface{}{"entries": entries, "count": len(entries)})
		return
	}
	source := strings.TrimSpace(q.Get("source"))
	if source == "" {
		httpx.Error(w, 400, "source or day required")
		return
	}
	sinceHours := 24
	if raw := strings.TrimSpace(q.Get("since_hours")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			httpx.Error(w, 400, "since_hours must be a positive integer")
			return
		}
		sinceHours = v
	}
	entries, err := s.Audit.Recent(r.Context(), source, time.Now().UTC().Add(-time.Duration(sinceHours)*time.Hour))
	if err != nil {
		httpx.Error(w, 500, "audit read failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleHITLPending(w http.ResponseWriter, r *http.Request) {
	pending := s.Pipeline.Pending()
	httpx.WriteJSON(w, 200, map[string]interface{}{"pending": pending, "count": len(pending)})
}

type resolveRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleHITLResolve(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	var body resolveRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	verdict, res, err := s.Pipeline.Resolve(r.Context(), requestID, body.Approve)
	if err != nil {
		if errors.Is(err, guard.ErrPendingNotFound) {
			httpx.Error(w, 404, "no pending verdict for request")
			return
		}
		var sv *executor.SecurityViolationError
		if errors.As(err, &sv) {
			s.Metrics.IncSecurityViolation(string(sv.Kind))
			httpx.WriteJSON(w, 409, map[string]interface{}{
				"status":  "refused",
				"verdict": verdict,
				"error":   sv.Error(),
			})
			return
		}
		log.Printf("resolve %s: %v", requestID, err)
		httpx.Error(w, 500, "resolve failed")
		return
	}
	tag := string(models.VerdictRejectedHITL)
	if verdict.Approved {
		tag = string(models.VerdictApprovedHITL)
	}
	s.Metrics.IncVerdict(tag)
	out := map[string]interface{}{"verdict": verdict}
	if res != nil {
		out["execution"] = res
	}
	httpx.WriteJSON(w, 200, out)
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.policyConfig())
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if s.PolicyPath == "" {
		httpx.Error(w, 409, "no POLICY_CONFIG_PATH configured")
		return
	}
	cfg, err := loadPolicyConfig(s.PolicyPath)
	if err != nil {
		httpx.Error(w, 500, "reload failed")
		return
	}
	s.setPolicyConfig(cfg)
	httpx.WriteJSON(w, 200, cfg)
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"tripped":              s.Breaker.Tripped(),
		"consecutive_failures": s.Breaker.Failures(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.Breaker.Reset()
	httpx.WriteJSON(w, 200, map[string]string{"status": "reset"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// consumeRequests drains the request bus through the pipeline until ctx
// is cancelled.
func (s *Server) consumeRequests(ctx context.Context) {
	runner := requestbus.NewRunner(s.bus, busSubmitter{s})
	runner.Run(ctx)
}

// busSubmitter counts bus traffic before handing off to the pipeline.
type busSubmitter struct{ s *Server }

func (b busSubmitter) Submit(ctx context.Context, req models.TransactionRequest) (models.PolicyVerdict, *models.ExecutionResult, error) {
	b.s.Metrics.IncBusRequests()
	verdict, res, err := b.s.Pipeline.Submit(ctx, req)
	if err == nil {
		b.s.observeVerdict(verdict)
	}
	return verdict, res, err
}

func (s *Server) observeVerdict(verdict models.PolicyVerdict) {
	s.Metrics.IncVerdict(verdictTag(verdict))
	for _, v := range verdict.Violations {
		s.Metrics.IncViolation(v.Policy)
	}
}

func verdictTag(verdict models.PolicyVerdict) string {
	switch {
	case verdict.Approved && verdict.DecidedBy == models.DecidedByHuman:
		return string(models.VerdictApprovedHITL)
	case verdict.Approved:
		return string(models.VerdictAutoApproved)
	case verdict.RequiresHITL && !hasBlockViolation(verdict):
		return "PENDING_HITL"
	default:
		return string(models.VerdictBlocked)
	}
}

func verdictStatus(verdict models.PolicyVerdict) string {
	switch {
	case verdict.Approved:
		return "approved"
	case verdict.RequiresHITL && !hasBlockViolation(verdict):
		return "pending_review"
	default:
		return "blocked"
	}
}

func hasBlockViolation(verdict models.PolicyVerdict) bool {
	for _, v := range verdict.Violations {
		if v.Severity == models.SeverityBlock {
			return true
		}
	}
	return false
}

// decodeRequest parses and normalizes a proposed request from the body.
// The proposer's USD estimate is always discarded.
func decodeRequest(w http.ResponseWriter, r *http.Request) (models.TransactionRequest, bool) {
	var req models.TransactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return models.TransactionRequest{}, false
	}
	if req.Action == "" {
		httpx.Error(w, 400, "action required")
		return models.TransactionRequest{}, false
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = models.SourceReasoning
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	req.EstimatedValueUSD = 0
	return req, true
}

func (s *Server) policyConfig() models.PolicyConfig {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policyCfg
}

func (s *Server) setPolicyConfig(cfg models.PolicyConfig) {
	s.policyMu.Lock()
	s.policyCfg = cfg
	s.policyMu.Unlock()
}

func (s *Server) policyReloadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.PolicyReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := loadPolicyConfig(s.PolicyPath)
			if err != nil {
				log.Printf("policy reload: %v", err)
				continue
			}
			s.setPolicyConfig(cfg)
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := envDurationSec("METRICS_LOOP_SEC", 10)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("hitl_pending", float64(len(s.Pipeline.Pending())))
			s.Metrics.SetGauge("breaker_consecutive_failures", float64(s.Breaker.Failures()))
			tripped := 0.0
			if s.Breaker.Tripped() {
				tripped = 1
			}
			s.Metrics.SetGauge("breaker_tripped", tripped)
		}
	}
}

// loadPolicyConfig reads limits from a JSON file when a path is set,
// otherwise from environment defaults.
func loadPolicyConfig(path string) (models.PolicyConfig, error) {
	if path == "" {
		return models.PolicyConfig{
			MaxPerTransactionUSD:   envFloat("POLICY_MAX_PER_TX_USD", 1000),
			MaxDailyUSD:            envFloat("POLICY_MAX_DAILY_USD", 10000),
			MaxTransactionsPerHour: envInt("POLICY_MAX_TX_PER_HOUR", 10),
			MaxTransactionsPerDay:  envInt("POLICY_MAX_TX_PER_DAY", 100),
			CooldownSeconds:        envInt("POLICY_COOLDOWN_SEC", 60),
			HITLThresholdUSD:       envFloat("POLICY_HITL_THRESHOLD_USD", 500),
			AllowedTokens:          splitList(env("POLICY_ALLOWED_TOKENS", "")),
			AllowedContracts:       splitList(env("POLICY_ALLOWED_CONTRACTS", "")),
			BlockedActions:         parseActions(env("POLICY_BLOCKED_ACTIONS", "")),
			MaxConsecutiveFailures: envInt("POLICY_MAX_CONSECUTIVE_FAILURES", 3),
		}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.PolicyConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg models.PolicyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return models.PolicyConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func loadPriceTable(path string) (map[string]float64, error) {
	if path == "" {
		return pricing.DefaultPrices(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var prices map[string]float64
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%s holds no prices", path)
	}
	return prices, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseActions(raw string) []models.Action {
	items := splitList(raw)
	out := make([]models.Action, 0, len(items))
	for _, it := range items {
		out = append(out, models.Action(strings.ToLower(it)))
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
