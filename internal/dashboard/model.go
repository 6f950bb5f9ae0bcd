// Package dashboard is a live terminal view over a running CacheIndex: a
// small bubbletea program that polls cache statistics on an interval and
// renders them with lipgloss, independent of and never touching the
// proxy's request-serving hot path.
package dashboard

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/eviltik/proxycache/internal/cacheindex"
)

const pollInterval = 500 * time.Millisecond

// snapshotMsg carries a fresh cacheindex.Stats sample into Update.
type snapshotMsg cacheindex.Stats

func tickCmd(idx *cacheindex.Index) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return snapshotMsg(idx.Stats())
	})
}

// Model is the bubbletea model driving the dashboard. It holds only the
// most recent stats samples (up to historyLen) and terminal geometry; all
// cache state lives in the Index it polls.
type Model struct {
	index   *cacheindex.Index
	history []cacheindex.Stats // ring of recent samples for the hit-rate sparkline
	width   int
	height  int
}

const historyLen = 60

// New builds a dashboard Model polling idx every pollInterval.
func New(idx *cacheindex.Index) *Model {
	return &Model{index: idx}
}

func (m *Model) Init() tea.Cmd {
	return tickCmd(m.index)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case snapshotMsg:
		m.history = append(m.history, cacheindex.Stats(msg))
		if len(m.history) > historyLen {
			m.history = m.history[len(m.history)-historyLen:]
		}
		return m, tickCmd(m.index)
	}
	return m, nil
}
