package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/jules-loop/internal/eventlog"
	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Jules Loop │ %s │ %s ", m.repo, m.quotaLabel())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderState()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderEvents()))
	b.WriteString("\n")

	bar := " q: quit │ r: refresh"
	if !m.lastRefresh.IsZero() {
		bar += dimmedStyle.Render(fmt.Sprintf(" │ refreshed %s", m.lastRefresh.Format("15:04:05")))
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(bar))

	return b.String()
}

func (m Model) quotaLabel() string {
	if m.state == nil {
		return "quota: -"
	}
	if m.quotaLimit > 0 {
		return fmt.Sprintf("quota: %d/%d", m.state.QuotaUsed, m.quotaLimit)
	}
	return fmt.Sprintf("quota: %d (unlimited)", m.state.QuotaUsed)
}

func (m Model) renderState() string {
	var b strings.Builder
	b.WriteString("Loop\n")

	if m.loadErr != nil {
		b.WriteString(errorStyle.Render("  " + m.loadErr.Error()))
		return b.String()
	}
	if m.state == nil {
		b.WriteString(dimmedStyle.Render("  no state yet"))
		return b.String()
	}

	if m.state.Paused {
		b.WriteString(warningStyle.Render("  PAUSED: " + m.state.PauseReason))
	} else {
		b.WriteString(runningStyle.Render("  ready"))
	}
	b.WriteString("\n")

	if agent := m.state.CurrentAgent; agent != nil {
		b.WriteString(fmt.Sprintf("  session %s  %s", agent.Name, statusLabel(agent.Status)))
		if agent.PRURL != "" {
			b.WriteString("\n  " + dimmedStyle.Render(agent.PRURL))
		}
	} else {
		b.WriteString(dimmedStyle.Render("  no session yet"))
	}
	return b.String()
}

func statusLabel(status statefile.AgentStatus) string {
	switch status {
	case statefile.StatusMerged:
		return runningStyle.Render(string(status))
	case statefile.StatusTimedOut, statefile.StatusFailed, statefile.StatusPaused:
		return errorStyle.Render(string(status))
	default:
		return string(status)
	}
}

func (m Model) renderEvents() string {
	var b strings.Builder
	b.WriteString("Recent events\n")

	if len(m.entries) == 0 {
		b.WriteString(dimmedStyle.Render("  nothing logged yet"))
		return b.String()
	}

	for _, entry := range m.entries {
		line := fmt.Sprintf("  %s [%s] %s", shortTime(entry.Timestamp), entry.Event, entry.Message)
		if m.width > 6 && len(line) > m.width-6 {
			line = line[:m.width-6] + "…"
		}
		switch entry.Event {
		case eventlog.KindError:
			line = errorStyle.Render(line)
		case eventlog.KindTimeout, eventlog.KindQuotaExhausted, eventlog.KindPaused:
			line = warningStyle.Render(line)
		case eventlog.KindPRMerged, eventlog.KindPRFound:
			line = runningStyle.Render(line)
		case eventlog.KindSessionPolled:
			line = dimmedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortTime(ts string) string {
	parsed, err := time.Parse("2006-01-02T15:04:05Z", ts)
	if err != nil {
		return ts
	}
	return parsed.Local().Format("15:04:05")
}
