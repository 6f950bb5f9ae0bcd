package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eviltik/proxycache/internal/cacheindex"
	"github.com/eviltik/proxycache/internal/streambuffer"
)

func newTestServer() (*Server, *cacheindex.Index) {
	idx := cacheindex.New(cacheindex.MaxEntries, cacheindex.TTL)
	metrics := NewMetrics(prometheus.NewRegistry())
	s := New("127.0.0.1:0", idx, metrics, nil)
	return s, idx
}

func TestHandleStatsReturnsCounters(t *testing.T) {
	s, idx := newTestServer()
	idx.Install("example.test:80/a", streambuffer.New())
	idx.Lookup("example.test:80/a")

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "\"installs\"") || !strings.Contains(body, "\"hits\"") {
		t.Fatalf("unexpected stats body: %s", body)
	}
}

func TestHandleEvictRemovesEntry(t *testing.T) {
	s, idx := newTestServer()
	idx.Install("evict.test:80/u", streambuffer.New())

	req := httptest.NewRequest(http.MethodPost, "/admin/evict", strings.NewReader(`{"url":"evict.test:80/u"}`))
	rec := httptest.NewRecorder()
	s.handleEvict(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, ok := idx.Lookup("evict.test:80/u"); ok {
		t.Fatal("expected entry evicted")
	}
}

func TestHandleEvictMissingURLIsBadRequest(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/admin/evict", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.handleEvict(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleEvictUnknownURLIsNotFound(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/admin/evict", strings.NewReader(`{"url":"nowhere.test:80/x"}`))
	rec := httptest.NewRecorder()
	s.handleEvict(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
