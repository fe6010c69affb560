package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/jules-loop/internal/eventlog"
	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

// logTailSize is how many recent events the dashboard shows.
const logTailSize = 15

// Model is the TUI application model
type Model struct {
	// Where the loop keeps its files
	stateDir   string
	repo       string
	quotaLimit int

	// Data, re-read on every tick
	state   *statefile.State
	entries []eventlog.Entry
	loadErr error

	// UI state
	width  int
	height int

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	StateDir   string
	Repo       string
	QuotaLimit int
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	return Model{
		stateDir:   cfg.StateDir,
		repo:       cfg.Repo,
		quotaLimit: cfg.QuotaLimit,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.stateDir),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// RefreshMsg carries freshly read loop data
type RefreshMsg struct {
	State   *statefile.State
	Entries []eventlog.Entry
	Err     error
}

func refreshCmd(stateDir string) tea.Cmd {
	return func() tea.Msg {
		state, err := statefile.NewStore(stateDir).Load()
		if err != nil {
			return RefreshMsg{Err: err}
		}
		entries, err := eventlog.ReadTail(eventlog.Path(stateDir), logTailSize)
		if err != nil {
			return RefreshMsg{State: state, Err: err}
		}
		return RefreshMsg{State: state, Entries: entries}
	}
}
