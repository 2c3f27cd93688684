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

// Registry aggregates operational counters for the gateway: dispatched
// method events, access denials, push deliveries and subscription
// gauges, plus plain HTTP endpoint stats.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	events        map[string]int64
	denies        map[string]int64
	pushDelivered map[string]int64
	pushDropped   map[string]int64
	subscriptions map[string]int64
	connections   int64
	Histograms    *HistogramRegistry
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
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Events        map[string]int64        `json:"events"`
	Denies        map[string]int64        `json:"denies"`
	PushDelivered map[string]int64        `json:"push_delivered"`
	PushDropped   map[string]int64        `json:"push_dropped"`
	Subscriptions map[string]int64        `json:"subscriptions"`
	Connections   int64                   `json:"connections"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		events:        map[string]int64{},
		denies:        map[string]int64{},
		pushDelivered: map[string]int64{},
		pushDropped:   map[string]int64{},
		subscriptions: map[string]int64{},
		Histograms:    NewHistogramRegistry(),
	}
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

// IncEvent counts one dispatched method event, e.g. "chat:post".
func (r *Registry) IncEvent(event string) {
	if event == "" {
		return
	}
	r.mu.Lock()
	r.events[event]++
	r.mu.Unlock()
}

// IncDeny counts one access denial by service and reason code.
func (r *Registry) IncDeny(service, reason string) {
	service = strings.TrimSpace(service)
	if service == "" {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.denies[service+"|"+reason]++
	r.mu.Unlock()
}

// IncPush counts one push attempt for a service; delivered=false means
// the frame was dropped on a full connection queue.
func (r *Registry) IncPush(service string, delivered bool) {
	if service == "" {
		return
	}
	r.mu.Lock()
	if delivered {
		r.pushDelivered[service]++
	} else {
		r.pushDropped[service]++
	}
	r.mu.Unlock()
}

// SetSubscriptions records a service's live registration count, summed
// across entries. Two connections on one entry count as two.
func (r *Registry) SetSubscriptions(service string, n int64) {
	if service == "" {
		return
	}
	r.mu.Lock()
	r.subscriptions[service] = n
	r.mu.Unlock()
}

func (r *Registry) AddConnections(delta int64) {
	r.mu.Lock()
	r.connections += delta
	if r.connections < 0 {
		r.connections = 0
	}
	r.mu.Unlock()
}

func (r *Registry) ObserveDispatch(event string, d time.Duration) {
	r.Histograms.ObserveDuration(event, d)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Events:        make(map[string]int64, len(r.events)),
		Denies:        make(map[string]int64, len(r.denies)),
		PushDelivered: make(map[string]int64, len(r.pushDelivered)),
		PushDropped:   make(map[string]int64, len(r.pushDropped)),
		Subscriptions: make(map[string]int64, len(r.subscriptions)),
		Connections:   r.connections,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.events {
		out.Events[k] = v
	}
	for k, v := range r.denies {
		out.Denies[k] = v
	}
	for k, v := range r.pushDelivered {
		out.PushDelivered[k] = v
	}
	for k, v := range r.pushDropped {
		out.PushDropped[k] = v
	}
	for k, v := range r.subscriptions {
		out.Subscriptions[k] = v
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
		b.WriteString("# HELP quickdraw_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE quickdraw_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quickdraw_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP quickdraw_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE quickdraw_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quickdraw_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP quickdraw_event_total dispatched method events\n")
		b.WriteString("# TYPE quickdraw_event_total counter\n")
		for _, event := range SortedKeys(snap.Events) {
			fmt.Fprintf(b, "quickdraw_event_total{event=%q} %d\n", event, snap.Events[event])
		}
		b.WriteString("# HELP quickdraw_deny_total access denials by service and reason\n")
		b.WriteString("# TYPE quickdraw_deny_total counter\n")
		for _, key := range SortedKeys(snap.Denies) {
			parts := strings.SplitN(key, "|", 2)
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "quickdraw_deny_total{service=%q,reason=%q} %d\n", parts[0], reason, snap.Denies[key])
		}
		b.WriteString("# HELP quickdraw_push_delivered_total pushes delivered by service\n")
		b.WriteString("# TYPE quickdraw_push_delivered_total counter\n")
		for _, svc := range SortedKeys(snap.PushDelivered) {
			fmt.Fprintf(b, "quickdraw_push_delivered_total{service=%q} %d\n", svc, snap.PushDelivered[svc])
		}
		b.WriteString("# HELP quickdraw_push_dropped_total pushes dropped on full queues by service\n")
		b.WriteString("# TYPE quickdraw_push_dropped_total counter\n")
		for _, svc := range SortedKeys(snap.PushDropped) {
			fmt.Fprintf(b, "quickdraw_push_dropped_total{service=%q} %d\n", svc, snap.PushDropped[svc])
		}
		b.WriteString("# HELP quickdraw_subscribed_entries current subscribed entries by service\n")
		b.WriteString("# TYPE quickdraw_subscribed_entries gauge\n")
		for _, svc := range SortedKeys(snap.Subscriptions) {
			fmt.Fprintf(b, "quickdraw_subscribed_entries{service=%q} %d\n", svc, snap.Subscriptions[svc])
		}
		b.WriteString("# HELP quickdraw_connections current websocket connections\n")
		b.WriteString("# TYPE quickdraw_connections gauge\n")
		fmt.Fprintf(b, "quickdraw_connections %d\n", snap.Connections)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP quickdraw_dispatch_seconds method dispatch latency\n")
			b.WriteString("# TYPE quickdraw_dispatch_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "quickdraw_dispatch_seconds_bucket{event=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "quickdraw_dispatch_seconds_bucket{event=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "quickdraw_dispatch_seconds_sum{event=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "quickdraw_dispatch_seconds_count{event=%q} %d\n", h.Name, h.Count)
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
