package dashboard

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/eviltik/proxycache/internal/cacheindex"
)

func (m *Model) View() string {
	if len(m.history) == 0 {
		return titleStyle.Render("proxycache") + "\n" + labelStyle.Render("waiting for first sample...")
	}

	latest := m.history[len(m.history)-1]

	var b strings.Builder
	b.WriteString(titleStyle.Render("proxycache — cache dashboard"))
	b.WriteString("\n\n")

	b.WriteString(statLine("entries", fmt.Sprintf("%d / %d", latest.Count, latest.MaxEntries)))
	b.WriteString(occupancyBar(latest))
	b.WriteString("\n")
	b.WriteString(statLine("hit rate", hitRateString(latest)))
	b.WriteString(statLine("hits", humanize.Comma(int64(latest.Hits))))
	b.WriteString(statLine("misses", humanize.Comma(int64(latest.Misses))))
	b.WriteString(statLine("installs", humanize.Comma(int64(latest.Installs))))
	b.WriteString(statLine("evictions", humanize.Comma(int64(latest.Evictions))))

	if !latest.LastActive.IsZero() {
		b.WriteString(statLine("last activity", humanize.Time(latest.LastActive)))
	}

	b.WriteString("\n")
	b.WriteString(sparkline(m.history))
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("q to quit"))

	return boxStyle.Render(b.String())
}

func statLine(label, value string) string {
	return fmt.Sprintf("%s  %s\n", labelStyle.Render(pad(label, 14)), valueStyle.Render(value))
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func hitRateString(s cacheindex.Stats) string {
	total := s.Hits + s.Misses
	if total == 0 {
		return warnStyle.Render("n/a")
	}
	rate := float64(s.Hits) / float64(total)
	pct := fmt.Sprintf("%.1f%%", rate*100)
	switch {
	case rate >= 0.8:
		return goodStyle.Render(pct)
	case rate >= 0.4:
		return warnStyle.Render(pct)
	default:
		return badStyle.Render(pct)
	}
}

// occupancyBar renders the cache's entry count against its max as a
// fixed-width filled/empty bar, mirroring the way the proxy's terminal
// tooling renders other bounded resources.
func occupancyBar(s cacheindex.Stats) string {
	const width = 30
	if s.MaxEntries == 0 {
		return ""
	}
	filled := width * s.Count / s.MaxEntries
	if filled > width {
		filled = width
	}
	bar := barFilledStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s  %s\n", labelStyle.Render(pad("occupancy", 14)), bar)
}

// sparkline renders recent hit-rate samples as a single line of block
// characters, oldest first.
func sparkline(history []cacheindex.Stats) string {
	glyphs := []rune(" ▁▂▃▄▅▆▇█")
	var b strings.Builder
	for _, s := range history {
		total := s.Hits + s.Misses
		rate := 0.0
		if total > 0 {
			rate = float64(s.Hits) / float64(total)
		}
		idx := int(rate * float64(len(glyphs)-1))
		b.WriteRune(glyphs[idx])
	}
	return labelStyle.Render("hit-rate trend  ") + b.String()
}
