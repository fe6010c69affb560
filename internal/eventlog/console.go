package eventlog

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	shutdownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

// kindStyle maps an event kind to its console style. Info and poll chatter
// render unstyled.
func kindStyle(kind Kind) *lipgloss.Style {
	switch kind {
	case KindError:
		return &errorStyle
	case KindTimeout, KindQuotaExhausted, KindPaused:
		return &warnStyle
	case KindPRFound, KindPRMerged, KindAgentCreated:
		return &successStyle
	case KindShutdown:
		return &shutdownStyle
	default:
		return nil
	}
}

// FormatConsole renders an entry as a single console line using the local
// timestamp, in the form "[2006-01-02 15:04:05] [event] message".
func FormatConsole(entry Entry, now time.Time) string {
	label := fmt.Sprintf("[%s]", entry.Event)
	if style := kindStyle(entry.Event); style != nil {
		label = style.Render(label)
	}
	ts := timestampStyle.Render(fmt.Sprintf("[%s]", now.Local().Format("2006-01-02 15:04:05")))
	return fmt.Sprintf("%s %s %s", ts, label, entry.Message)
}
