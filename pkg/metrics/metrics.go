// Package metrics is an in-process registry exposed as JSON and
// Prometheus text. It tracks the decision and execution counters the
// operator dashboard watches.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                 sync.RWMutex
	endpoint           map[string]*EndpointStat
	verdict            map[string]int64
	violationPolicy    map[string]int64
	gauges             map[string]float64
	securityViolations map[string]int64
	busRequests        int64
	evalLatency        EvalLatencyStat
	Histograms         *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Verdicts           map[string]int64        `json:"verdicts"`
	ViolationPolicies  map[string]int64        `json:"violation_policies"`
	Gauges             map[string]float64      `json:"gauges"`
	SecurityViolations map[string]int64        `json:"security_violations"`
	BusRequests        int64                   `json:"bus_requests_total"`
	EvalLatencyMS      EvalLatencyStat         `json:"eval_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:           map[string]*EndpointStat{},
		verdict:            map[string]int64{},
		violationPolicy:    map[string]int64{},
		gauges:             map[string]float64{},
		securityViolations: map[string]int64{},
		Histograms:         NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncVerdict counts a decision or execution outcome by its audit tag.
func (r *Registry) IncVerdict(tag string) {
	if tag == "" {
		return
	}
	r.mu.Lock()
	r.verdict[tag]++
	r.mu.Unlock()
}

// IncViolation counts a policy violation by the policy that raised it.
func (r *Registry) IncViolation(policy string) {
	policy = strings.TrimSpace(policy)
	if policy == "" {
		return
	}
	r.mu.Lock()
	r.violationPolicy[policy]++
	r.mu.Unlock()
}

// IncSecurityViolation counts executor refusals by kind. Any nonzero
// value here means something upstream tried to bypass the engine.
func (r *Registry) IncSecurityViolation(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	r.mu.Lock()
	r.securityViolations[kind]++
	r.mu.Unlock()
}

func (r *Registry) IncBusRequests() {
	r.mu.Lock()
	r.busRequests++
	r.mu.Unlock()
}

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:           make(map[string]int64, len(r.verdict)),
		ViolationPolicies:  make(map[string]int64, len(r.violationPolicy)),
		Gauges:             make(map[string]float64, len(r.gauges)),
		SecurityViolations: make(map[string]int64, len(r.securityViolations)),
		BusRequests:        r.busRequests,
		EvalLatencyMS:      r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.violationPolicy {
		out.ViolationPolicies[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.securityViolations {
		out.SecurityViolations[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP guard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE guard_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guard_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP guard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE guard_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guard_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP guard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE guard_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP guard_verdict_total decisions and executions by audit tag\n")
		b.WriteString("# TYPE guard_verdict_total counter\n")
		for _, tag := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "guard_verdict_total{tag=%q} %d\n", tag, snap.Verdicts[tag])
		}
		b.WriteString("# HELP guard_violation_total policy violations by policy\n")
		b.WriteString("# TYPE guard_violation_total counter\n")
		for _, policy := range SortedKeys(snap.ViolationPolicies) {
			fmt.Fprintf(b, "guard_violation_total{policy=%q} %d\n", policy, snap.ViolationPolicies[policy])
		}
		b.WriteString("# HELP guard_security_violation_total executor refusals by kind\n")
		b.WriteString("# TYPE guard_security_violation_total counter\n")
		for _, kind := range SortedKeys(snap.SecurityViolations) {
			fmt.Fprintf(b, "guard_security_violation_total{kind=%q} %d\n", kind, snap.SecurityViolations[kind])
		}
		b.WriteString("# HELP guard_bus_requests_total requests ingested from the scheduler bus\n")
		b.WriteString("# TYPE guard_bus_requests_total counter\n")
		fmt.Fprintf(b, "guard_bus_requests_total %d\n", snap.BusRequests)
		b.WriteString("# HELP guard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE guard_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "guard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP guard_eval_latency_ms policy evaluation latency in ms\n")
		b.WriteString("# TYPE guard_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "guard_eval_latency_ms{stat=%q} %d\n", "last", snap.EvalLatencyMS.LastMS)
		fmt.Fprintf(b, "guard_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.EvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "guard_eval_latency_ms{stat=%q} %d\n", "max", snap.EvalLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP guard_latency_seconds latency histogram\n")
			b.WriteString("# TYPE guard_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "guard_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "guard_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "guard_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "guard_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "guard_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "guard_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "guard_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
