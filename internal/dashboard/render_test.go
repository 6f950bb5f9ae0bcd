package dashboard

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/eviltik/proxycache/internal/cacheindex"
)

func TestHitRateStringReflectsRate(t *testing.T) {
	s := cacheindex.Stats{Hits: 9, Misses: 1}
	if got := hitRateString(s); !strings.Contains(got, "90.0%") {
		t.Fatalf("got %q", got)
	}
}

func TestHitRateStringZeroTotalIsNA(t *testing.T) {
	s := cacheindex.Stats{}
	if got := hitRateString(s); !strings.Contains(got, "n/a") {
		t.Fatalf("got %q", got)
	}
}

func TestOccupancyBarScalesWithCount(t *testing.T) {
	s := cacheindex.Stats{Count: 25, MaxEntries: 50}
	bar := occupancyBar(s)
	if bar == "" {
		t.Fatal("expected non-empty bar")
	}
	if got := strings.Count(bar, "█"); got != 15 {
		t.Fatalf("filled cells = %d, want 15 (half of 30)", got)
	}
}

func TestSparklineLengthMatchesHistory(t *testing.T) {
	history := []cacheindex.Stats{
		{Hits: 1, Misses: 1},
		{Hits: 5, Misses: 0},
	}
	out := sparkline(history)
	if !strings.Contains(out, "hit-rate trend") {
		t.Fatalf("missing label: %q", out)
	}
	trend := strings.TrimPrefix(out, labelStyle.Render("hit-rate trend  "))
	if got := utf8.RuneCountInString(trend); got != len(history) {
		t.Fatalf("sparkline has %d glyphs, want %d", got, len(history))
	}
}

func TestViewBeforeFirstSampleShowsWaiting(t *testing.T) {
	idx := cacheindex.New(cacheindex.MaxEntries, cacheindex.TTL)
	m := New(idx)
	view := m.View()
	if !strings.Contains(view, "waiting for first sample") {
		t.Fatalf("got %q", view)
	}
}

func TestUpdateAppendsHistoryAndCapsLength(t *testing.T) {
	idx := cacheindex.New(cacheindex.MaxEntries, cacheindex.TTL)
	m := New(idx)

	for i := 0; i < historyLen+10; i++ {
		updated, _ := m.Update(snapshotMsg(cacheindex.Stats{Hits: uint64(i), LastActive: time.Now()}))
		m = updated.(*Model)
	}

	if len(m.history) != historyLen {
		t.Fatalf("history length = %d, want %d", len(m.history), historyLen)
	}
}
