package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// latencyBuckets are upper bounds in seconds.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	outcomes map[string]int64
	denials  map[string]int64
	counters map[string]int64
	gauges   map[string]float64
	latency  map[string]*histogram
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type histogram struct {
	counts []int64
	sum    float64
	count  int64
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		outcomes: map[string]int64{},
		denials:  map[string]int64{},
		counters: map[string]int64{},
		gauges:   map[string]float64{},
		latency:  map[string]*histogram{},
	}
}

// Observe records one finished request. A nil registry is a no-op so
// components can run without metrics.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	if r == nil {
		return
	}
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

	h, ok := r.latency[path]
	if !ok {
		h = &histogram{counts: make([]int64, len(latencyBuckets))}
		r.latency[path] = h
	}
	sec := d.Seconds()
	h.sum += sec
	h.count++
	for i, le := range latencyBuckets {
		if sec <= le {
			h.counts[i]++
		}
	}
}

// IncOutcome counts one audited report outcome.
func (r *Registry) IncOutcome(status string) {
	if r == nil || status == "" {
		return
	}
	r.mu.Lock()
	r.outcomes[status]++
	r.mu.Unlock()
}

// IncDenied counts a rejected request by endpoint.
func (r *Registry) IncDenied(endpoint string) {
	if r == nil || endpoint == "" {
		return
	}
	r.mu.Lock()
	r.denials[endpoint]++
	r.mu.Unlock()
}

func (r *Registry) Add(counter string, delta int64) {
	if r == nil || counter == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.counters[counter] += delta
	r.mu.Unlock()
}

func (r *Registry) Inc(counter string) {
	r.Add(counter, 1)
}

func (r *Registry) SetGauge(name string, value float64) {
	if r == nil || name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

func (r *Registry) Outcome(status string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outcomes[status]
}

func (r *Registry) Endpoint(path string) (EndpointStat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stat, ok := r.endpoint[path]
	if !ok {
		return EndpointStat{}, false
	}
	return *stat, true
}

// PrometheusHandler serves the text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		r.mu.RLock()
		defer r.mu.RUnlock()

		b.WriteString("# HELP meshtrust_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE meshtrust_endpoint_count counter\n")
		for _, ep := range SortedKeys(r.endpoint) {
			fmt.Fprintf(b, "meshtrust_endpoint_count{endpoint=%q} %d\n", ep, r.endpoint[ep].Count)
		}
		b.WriteString("# HELP meshtrust_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE meshtrust_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(r.endpoint) {
			fmt.Fprintf(b, "meshtrust_endpoint_error_count{endpoint=%q} %d\n", ep, r.endpoint[ep].ErrorCount)
		}
		b.WriteString("# HELP meshtrust_request_denied_total requests rejected by authentication\n")
		b.WriteString("# TYPE meshtrust_request_denied_total counter\n")
		for _, ep := range SortedKeys(r.denials) {
			fmt.Fprintf(b, "meshtrust_request_denied_total{endpoint=%q} %d\n", ep, r.denials[ep])
		}
		b.WriteString("# HELP meshtrust_report_outcome_total ingested reports by outcome\n")
		b.WriteString("# TYPE meshtrust_report_outcome_total counter\n")
		for _, status := range SortedKeys(r.outcomes) {
			fmt.Fprintf(b, "meshtrust_report_outcome_total{report_status=%q} %d\n", status, r.outcomes[status])
		}
		for _, name := range SortedKeys(r.counters) {
			fmt.Fprintf(b, "# TYPE meshtrust_%s counter\nmeshtrust_%s %d\n", name, name, r.counters[name])
		}
		b.WriteString("# HELP meshtrust_gauge operational gauge metrics\n")
		b.WriteString("# TYPE meshtrust_gauge gauge\n")
		for _, name := range SortedKeys(r.gauges) {
			fmt.Fprintf(b, "meshtrust_gauge{name=%q} %.3f\n", name, r.gauges[name])
		}
		if len(r.latency) > 0 {
			b.WriteString("# HELP meshtrust_latency_seconds request latency\n")
			b.WriteString("# TYPE meshtrust_latency_seconds histogram\n")
		}
		for _, ep := range SortedKeys(r.latency) {
			h := r.latency[ep]
			for i, le := range latencyBuckets {
				fmt.Fprintf(b, "meshtrust_latency_seconds_bucket{endpoint=%q,le=\"%g\"} %d\n", ep, le, h.counts[i])
			}
			fmt.Fprintf(b, "meshtrust_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", ep, h.count)
			fmt.Fprintf(b, "meshtrust_latency_seconds_sum{endpoint=%q} %.6f\n", ep, h.sum)
			fmt.Fprintf(b, "meshtrust_latency_seconds_count{endpoint=%q} %d\n", ep, h.count)
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
