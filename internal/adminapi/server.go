// Package adminapi exposes the proxy's operational surface: cache
// statistics, manual eviction, Prometheus metrics, and an optional
// cache-warming endpoint. None of it is in the hot path of serving a
// client request; it exists so an operator can see into and nudge the
// running cache.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eviltik/proxycache/internal/cacheindex"
	"github.com/eviltik/proxycache/internal/proxylog"
)

// Metrics holds the Prometheus collectors the admin server publishes on
// /metrics, updated from CacheIndex.Stats snapshots.
type Metrics struct {
	entries   prometheus.Gauge
	hits      prometheus.Counter
	misses    prometheus.Counter
	installs  prometheus.Counter
	evictions prometheus.Counter
}

// NewMetrics registers the proxy's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxycache_cache_entries",
			Help: "Current number of entries held in the cache index.",
		}),
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxycache_cache_hits_total",
			Help: "Total cache lookups that found a live entry.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxycache_cache_misses_total",
			Help: "Total cache lookups that found no live entry.",
		}),
		installs: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxycache_cache_installs_total",
			Help: "Total new cache entries installed.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxycache_cache_evictions_total",
			Help: "Total cache entries evicted, by LRU pressure or manual request.",
		}),
	}
}

// observe reconciles the cumulative counters, which only ever grow, against
// an index snapshot. Counters are monotonic so this adds the delta since
// the last observation rather than setting an absolute value.
type counterState struct {
	hits, misses, installs, evictions uint64
}

func (m *Metrics) observe(prev *counterState, s cacheindex.Stats) {
	m.entries.Set(float64(s.Count))
	if d := s.Hits - prev.hits; d > 0 {
		m.hits.Add(float64(d))
	}
	if d := s.Misses - prev.misses; d > 0 {
		m.misses.Add(float64(d))
	}
	if d := s.Installs - prev.installs; d > 0 {
		m.installs.Add(float64(d))
	}
	if d := s.Evictions - prev.evictions; d > 0 {
		m.evictions.Add(float64(d))
	}
	prev.hits, prev.misses, prev.installs, prev.evictions = s.Hits, s.Misses, s.Installs, s.Evictions
}

// Server is the admin HTTP server. Construct with New and run with Start;
// stop it with Shutdown.
type Server struct {
	httpServer *http.Server
	index      *cacheindex.Index
	metrics    *Metrics
	counters   counterState
	log        *proxylog.Logger
	warmClient *http.Client
}

// New builds an admin server bound to addr, backed by idx and publishing
// to metrics. A nil logger discards log output.
func New(addr string, idx *cacheindex.Index, metrics *Metrics, logger *proxylog.Logger) *Server {
	if logger == nil {
		logger = proxylog.Discard()
	}

	s := &Server{
		index:   idx,
		metrics: metrics,
		log:     logger,
		warmClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: hedgedhttp.NewRoundTripper(
				100*time.Millisecond,
				3,
				http.DefaultTransport,
			),
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/evict", s.handleEvict).Methods(http.MethodPost)
	r.HandleFunc("/admin/warm", s.handleWarm).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(r, "proxycache.admin"),
	}
	return s
}

// Start runs the admin HTTP server and a background loop that reconciles
// CacheIndex counters into Prometheus metrics. It blocks until the server
// stops; Shutdown from another goroutine triggers a clean return.
func (s *Server) Start() error {
	stop := make(chan struct{})
	go s.reconcileLoop(stop)
	defer close(stop)

	s.log.Info("admin server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) reconcileLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.metrics != nil {
				s.metrics.observe(&s.counters, s.index.Stats())
			}
		}
	}
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	stats := s.index.Stats()
	body, _ := json.Marshal(map[string]interface{}{
		"entries":     stats.Count,
		"max_entries": stats.MaxEntries,
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"installs":    stats.Installs,
		"evictions":   stats.Evictions,
		"last_active": stats.LastActive.UTC().Format(time.RFC3339),
		"hit_rate":    hitRate(stats),
	})

	w.Header().Set("Content-Type", "application/json")
	w.Write(pretty.Pretty(body))
}

func hitRate(s cacheindex.Stats) float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s *Server) handleEvict(w http.ResponseWriter, req *http.Request) {
	var body [4096]byte
	n, _ := req.Body.Read(body[:])
	url := gjson.GetBytes(body[:n], "url").String()
	if url == "" {
		http.Error(w, "missing \"url\" field", http.StatusBadRequest)
		return
	}

	if s.index.Evict(url) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "no such cache entry", http.StatusNotFound)
}

// handleWarm sends a HEAD request for a URL through the standard library
// HTTP client (hedged across up to three in-flight attempts via hedgedhttp)
// ahead of an expected traffic spike. It does not touch the CacheIndex;
// warming only primes the origin's own caches and confirms reachability —
// the next real request still goes through the normal miss path and gets
// its own StreamBuffer.
func (s *Server) handleWarm(w http.ResponseWriter, req *http.Request) {
	var body [4096]byte
	n, _ := req.Body.Read(body[:])
	target := gjson.GetBytes(body[:n], "url").String()
	if target == "" {
		http.Error(w, "missing \"url\" field", http.StatusBadRequest)
		return
	}

	resp, err := s.warmClient.Head(target)
	if err != nil {
		http.Error(w, fmt.Sprintf("warm fetch failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%d,"bytes_hint":%q}`, resp.StatusCode, humanize.Bytes(uint64(size)))
}
