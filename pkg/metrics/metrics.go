// Package metrics is the in-process registry behind /metrics and /metrics/prometheus.
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
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	outcomes   map[string]int64
	bytes      map[string]int64
	gauges     map[string]float64
	counters   map[string]int64
	queries    int64
	Histograms *HistogramRegistry
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
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	// Outcomes is keyed "<outcome>|<error kind>"; completed exports have an empty kind.
	Outcomes     map[string]int64    `json:"export_outcomes"`
	BytesEmitted map[string]int64    `json:"bytes_emitted"`
	Gauges       map[string]float64  `json:"gauges"`
	Counters     map[string]int64    `json:"counters"`
	Queries      int64               `json:"record_queries_total"`
	Histograms   []HistogramSnapshot `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcomes:   map[string]int64{},
		bytes:      map[string]int64{},
		gauges:     map[string]float64{},
		counters:   map[string]int64{},
		Histograms: NewHistogramRegistry(),
	}
}

// Observe records one finished HTTP request against its route pattern.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.Histograms.Get(route, RequestBuckets).Observe(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	stat.MaxMillis = max(stat.MaxMillis, millis)
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveExport records a finished export attempt.
func (r *Registry) ObserveExport(outcome, errorKind, format string, bytes int64, d time.Duration) {
	outcome = strings.ToUpper(strings.TrimSpace(outcome))
	if outcome == "" {
		return
	}
	if format == "" {
		format = "unknown"
	}
	r.Histograms.Get("export "+format, ExportBuckets).Observe(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome+"|"+errorKind]++
	if bytes > 0 {
		r.bytes[format] += bytes
	}
}

func (r *Registry) AddQueries(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.queries += int64(n)
	r.mu.Unlock()
}

// Add increments a named counter such as records_excluded or archive_duplicates.
func (r *Registry) Add(name string, n int) {
	if name == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.counters[name] += int64(n)
	r.mu.Unlock()
}

func (r *Registry) AddGauge(name string, delta float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] += delta
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
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:     copyMap(r.outcomes),
		BytesEmitted: copyMap(r.bytes),
		Gauges:       copyMap(r.gauges),
		Counters:     copyMap(r.counters),
		Queries:      r.queries,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	r.mu.RUnlock()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(r.Snapshot().Prometheus()))
	}
}

// Prometheus renders the snapshot in the text exposition format.
func (s Snapshot) Prometheus() string {
	b := &strings.Builder{}
	header := func(name, typ, help string) {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	}
	header("dataexport_http_requests_total", "counter", "requests by route")
	for _, ep := range SortedKeys(s.Endpoints) {
		fmt.Fprintf(b, "dataexport_http_requests_total{route=%q} %d\n", ep, s.Endpoints[ep].Count)
	}
	header("dataexport_http_errors_total", "counter", "responses with status >= 400 by route")
	for _, ep := range SortedKeys(s.Endpoints) {
		fmt.Fprintf(b, "dataexport_http_errors_total{route=%q} %d\n", ep, s.Endpoints[ep].ErrorCount)
	}
	header("dataexport_exports_total", "counter", "finished export attempts by outcome and error kind")
	for _, key := range SortedKeys(s.Outcomes) {
		outcome, kind, _ := strings.Cut(key, "|")
		fmt.Fprintf(b, "dataexport_exports_total{outcome=%q,kind=%q} %d\n", outcome, kind, s.Outcomes[key])
	}
	header("dataexport_bytes_emitted_total", "counter", "response bytes streamed by format")
	for _, format := range SortedKeys(s.BytesEmitted) {
		fmt.Fprintf(b, "dataexport_bytes_emitted_total{format=%q} %d\n", format, s.BytesEmitted[format])
	}
	header("dataexport_record_queries_total", "counter", "backing store queries issued by paginators")
	fmt.Fprintf(b, "dataexport_record_queries_total %d\n", s.Queries)
	header("dataexport_counter_total", "counter", "named export counters")
	for _, name := range SortedKeys(s.Counters) {
		fmt.Fprintf(b, "dataexport_counter_total{name=%q} %d\n", name, s.Counters[name])
	}
	header("dataexport_gauge", "gauge", "operational gauges")
	for _, name := range SortedKeys(s.Gauges) {
		fmt.Fprintf(b, "dataexport_gauge{name=%q} %.3f\n", name, s.Gauges[name])
	}
	if len(s.Histograms) > 0 {
		header("dataexport_latency_seconds", "histogram", "latency by route or export format")
	}
	for _, h := range s.Histograms {
		for _, bucket := range h.Buckets {
			fmt.Fprintf(b, "dataexport_latency_seconds_bucket{name=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
		}
		fmt.Fprintf(b, "dataexport_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
		fmt.Fprintf(b, "dataexport_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
		fmt.Fprintf(b, "dataexport_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
	}
	return b.String()
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
