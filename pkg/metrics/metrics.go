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

// Registry aggregates operational counters for the gateway: per-endpoint
// latency, ledger append outcomes, authorization denials, masking activity
// and anomaly escalations. Snapshots serve both the JSON and Prometheus
// endpoints.
type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	appendOutcome     map[string]int64 // ok, conflict_retry, conflict_exhausted, integrity
	denialModule      map[string]int64
	maskOps           map[string]int64 // by mask type
	anomalyOutcome    map[string]int64 // scored, escalated
	policyEvalErrors  int64
	integrityFailures int64
	anchorCycles      int64
	gauges            map[string]float64
	verifyLatency     VerifyLatencyStat
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	AppendOutcomes       map[string]int64        `json:"append_outcomes"`
	DenialsByModule      map[string]int64        `json:"denials_by_module"`
	MaskOps              map[string]int64        `json:"mask_ops"`
	AnomalyOutcomes      map[string]int64        `json:"anomaly_outcomes"`
	PolicyEvalErrors     int64                   `json:"policy_eval_errors_total"`
	IntegrityFailures    int64                   `json:"integrity_failures_total"`
	AnchorCycles         int64                   `json:"anchor_cycles_total"`
	Gauges               map[string]float64      `json:"gauges"`
	ChainVerifyLatencyMS VerifyLatencyStat       `json:"chain_verify_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		appendOutcome:  map[string]int64{},
		denialModule:   map[string]int64{},
		maskOps:        map[string]int64{},
		anomalyOutcome: map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
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

// IncAppendOutcome records one ledger append attempt outcome: "ok",
// "conflict_retry", "conflict_exhausted".
func (r *Registry) IncAppendOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.appendOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncDenial(module string) {
	module = strings.TrimSpace(module)
	if module == "" {
		module = "unknown"
	}
	r.mu.Lock()
	r.denialModule[module]++
	r.mu.Unlock()
}

func (r *Registry) IncMaskOp(maskType string) {
	if maskType == "" {
		return
	}
	r.mu.Lock()
	r.maskOps[maskType]++
	r.mu.Unlock()
}

func (r *Registry) IncAnomaly(escalated bool) {
	r.mu.Lock()
	r.anomalyOutcome["scored"]++
	if escalated {
		r.anomalyOutcome["escalated"]++
	}
	r.mu.Unlock()
}

func (r *Registry) IncPolicyEvalError() {
	r.mu.Lock()
	r.policyEvalErrors++
	r.mu.Unlock()
}

func (r *Registry) IncIntegrityFailure() {
	r.mu.Lock()
	r.integrityFailures++
	r.mu.Unlock()
}

func (r *Registry) IncAnchorCycle() {
	r.mu.Lock()
	r.anchorCycles++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
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
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		AppendOutcomes:    make(map[string]int64, len(r.appendOutcome)),
		DenialsByModule:   make(map[string]int64, len(r.denialModule)),
		MaskOps:           make(map[string]int64, len(r.maskOps)),
		AnomalyOutcomes:   make(map[string]int64, len(r.anomalyOutcome)),
		PolicyEvalErrors:  r.policyEvalErrors,
		IntegrityFailures: r.integrityFailures,
		AnchorCycles:      r.anchorCycles,
		Gauges:            make(map[string]float64, len(r.gauges)),
		ChainVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.appendOutcome {
		out.AppendOutcomes[k] = v
	}
	for k, v := range r.denialModule {
		out.DenialsByModule[k] = v
	}
	for k, v := range r.maskOps {
		out.MaskOps[k] = v
	}
	for k, v := range r.anomalyOutcome {
		out.AnomalyOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
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
		b.WriteString("# HELP trustcore_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE trustcore_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "trustcore_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP trustcore_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE trustcore_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "trustcore_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP trustcore_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE trustcore_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "trustcore_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP trustcore_append_total ledger append attempts by outcome\n")
		b.WriteString("# TYPE trustcore_append_total counter\n")
		for _, outcome := range SortedKeys(snap.AppendOutcomes) {
			fmt.Fprintf(b, "trustcore_append_total{outcome=%q} %d\n", outcome, snap.AppendOutcomes[outcome])
		}
		b.WriteString("# HELP trustcore_denial_total authorization denials by module\n")
		b.WriteString("# TYPE trustcore_denial_total counter\n")
		for _, module := range SortedKeys(snap.DenialsByModule) {
			fmt.Fprintf(b, "trustcore_denial_total{module=%q} %d\n", module, snap.DenialsByModule[module])
		}
		b.WriteString("# HELP trustcore_mask_total field mask applications by type\n")
		b.WriteString("# TYPE trustcore_mask_total counter\n")
		for _, mask := range SortedKeys(snap.MaskOps) {
			fmt.Fprintf(b, "trustcore_mask_total{mask=%q} %d\n", mask, snap.MaskOps[mask])
		}
		b.WriteString("# HELP trustcore_anomaly_total anomaly assessments by outcome\n")
		b.WriteString("# TYPE trustcore_anomaly_total counter\n")
		for _, outcome := range SortedKeys(snap.AnomalyOutcomes) {
			fmt.Fprintf(b, "trustcore_anomaly_total{outcome=%q} %d\n", outcome, snap.AnomalyOutcomes[outcome])
		}
		b.WriteString("# HELP trustcore_policy_eval_errors_total dynamic policy evaluation failures\n")
		b.WriteString("# TYPE trustcore_policy_eval_errors_total counter\n")
		fmt.Fprintf(b, "trustcore_policy_eval_errors_total %d\n", snap.PolicyEvalErrors)
		b.WriteString("# HELP trustcore_integrity_failures_total chain verification failures\n")
		b.WriteString("# TYPE trustcore_integrity_failures_total counter\n")
		fmt.Fprintf(b, "trustcore_integrity_failures_total %d\n", snap.IntegrityFailures)
		b.WriteString("# HELP trustcore_anchor_cycles_total completed anchor cycles\n")
		b.WriteString("# TYPE trustcore_anchor_cycles_total counter\n")
		fmt.Fprintf(b, "trustcore_anchor_cycles_total %d\n", snap.AnchorCycles)
		b.WriteString("# HELP trustcore_gauge operational gauge metrics\n")
		b.WriteString("# TYPE trustcore_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "trustcore_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP trustcore_latency_seconds latency histogram\n")
			b.WriteString("# TYPE trustcore_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "trustcore_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "trustcore_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "trustcore_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "trustcore_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "trustcore_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "trustcore_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "trustcore_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP trustcore_chain_verify_latency_ms chain verifier latency in ms\n")
		b.WriteString("# TYPE trustcore_chain_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "trustcore_chain_verify_latency_ms{stat=%q} %d\n", "last", snap.ChainVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "trustcore_chain_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.ChainVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "trustcore_chain_verify_latency_ms{stat=%q} %d\n", "max", snap.ChainVerifyLatencyMS.MaxMS)

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
