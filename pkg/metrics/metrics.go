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
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	verdict        map[string]int64
	reason         map[string]int64
	tenantVerdict  map[string]int64
	reloads        map[string]int64
	streamDropped  int64
	streamSessions int64
	gauges         map[string]float64
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Verdicts       map[string]int64        `json:"verdicts"`
	Reasons        map[string]int64        `json:"reasons"`
	TenantVerdicts map[string]int64        `json:"tenant_verdicts"`
	Reloads        map[string]int64        `json:"reloads"`
	StreamDropped  int64                   `json:"stream_events_dropped_total"`
	StreamSessions int64                   `json:"stream_sessions_total"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		tenantVerdict: map[string]int64{},
		reloads:       map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
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

// ObserveDecision records one evaluation outcome. The per-tenant counter is
// keyed tenant|verdict so exposition can split both labels.
func (r *Registry) ObserveDecision(tenantID string, allow bool, reason string, d time.Duration) {
	verdict := "deny"
	if allow {
		verdict = "allow"
	}
	r.mu.Lock()
	r.verdict[verdict]++
	if reason != "" {
		r.reason[reason]++
	}
	if tenantID != "" {
		r.tenantVerdict[tenantID+"|"+verdict]++
	}
	r.mu.Unlock()
	r.Histograms.ObserveDuration("decision", d)
}

func (r *Registry) IncReload(tenantID string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	if tenantID == "" {
		tenantID = "UNKNOWN"
	}
	r.mu.Lock()
	r.reloads[tenantID+"|"+result]++
	r.mu.Unlock()
}

func (r *Registry) IncStreamDropped() {
	r.mu.Lock()
	r.streamDropped++
	r.mu.Unlock()
}

func (r *Registry) IncStreamSessions() {
	r.mu.Lock()
	r.streamSessions++
	r.mu.Unlock()
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
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:       make(map[string]int64, len(r.verdict)),
		Reasons:        make(map[string]int64, len(r.reason)),
		TenantVerdicts: make(map[string]int64, len(r.tenantVerdict)),
		Reloads:        make(map[string]int64, len(r.reloads)),
		StreamDropped:  r.streamDropped,
		StreamSessions: r.streamSessions,
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.tenantVerdict {
		out.TenantVerdicts[k] = v
	}
	for k, v := range r.reloads {
		out.Reloads[k] = v
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
		b.WriteString("# HELP bastion_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE bastion_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "bastion_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP bastion_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE bastion_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "bastion_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP bastion_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE bastion_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "bastion_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP bastion_decision_total total decisions by verdict\n")
		b.WriteString("# TYPE bastion_decision_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "bastion_decision_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP bastion_decision_reason_total deny decisions by reason\n")
		b.WriteString("# TYPE bastion_decision_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "bastion_decision_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP bastion_tenant_decision_total decisions by tenant and verdict\n")
		b.WriteString("# TYPE bastion_tenant_decision_total counter\n")
		for _, key := range SortedKeys(snap.TenantVerdicts) {
			tenant, verdict := splitKey(key)
			fmt.Fprintf(b, "bastion_tenant_decision_total{tenant=%q,verdict=%q} %d\n", tenant, verdict, snap.TenantVerdicts[key])
		}
		b.WriteString("# HELP bastion_reload_total bundle reloads by tenant and result\n")
		b.WriteString("# TYPE bastion_reload_total counter\n")
		for _, key := range SortedKeys(snap.Reloads) {
			tenant, result := splitKey(key)
			fmt.Fprintf(b, "bastion_reload_total{tenant=%q,result=%q} %d\n", tenant, result, snap.Reloads[key])
		}
		b.WriteString("# HELP bastion_stream_events_dropped_total events dropped on slow stream subscribers\n")
		b.WriteString("# TYPE bastion_stream_events_dropped_total counter\n")
		fmt.Fprintf(b, "bastion_stream_events_dropped_total %d\n", snap.StreamDropped)
		b.WriteString("# HELP bastion_stream_sessions_total websocket stream sessions opened\n")
		b.WriteString("# TYPE bastion_stream_sessions_total counter\n")
		fmt.Fprintf(b, "bastion_stream_sessions_total %d\n", snap.StreamSessions)
		b.WriteString("# HELP bastion_gauge operational gauge metrics\n")
		b.WriteString("# TYPE bastion_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "bastion_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP bastion_latency_seconds latency histogram\n")
			b.WriteString("# TYPE bastion_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "bastion_latency_seconds_bucket{endpoint=%q,le=\"%.6f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "bastion_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bastion_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "bastion_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bastion_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "bastion_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "bastion_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "UNKNOWN"
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
