package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier surfaces loop events on the local desktop, so an operator
// can leave the loop running and still see merges and pauses as they happen.
type DesktopNotifier struct {
	enabled bool

	// run is swappable in tests to capture the command instead of
	// executing it.
	run func(name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier. When disabled it silently
// drops everything.
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows the notification using the platform's native mechanism. The PR
// link and session reference ride along in the body so the notification is
// actionable on its own.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		script := "display notification " + appleScriptString(notificationBody(n)) +
			" with title " + appleScriptString(n.Title)
		return d.run("osascript", "-e", script)
	case "linux":
		return d.run("notify-send", "-i", IconForType(n.Type), n.Title, notificationBody(n))
	default:
		return nil // Unsupported
	}
}

// notificationBody joins the message with the PR link and session reference.
func notificationBody(n Notification) string {
	parts := []string{n.Message}
	if n.PRURL != "" {
		parts = append(parts, n.PRURL)
	}
	if n.SessionID != "" {
		parts = append(parts, "session "+n.SessionID)
	}
	return strings.Join(parts, "\n")
}

// appleScriptString quotes a value for interpolation into an osascript
// expression. Pause reasons can carry quotes and backslashes.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// IconForType returns the freedesktop icon name for the notification type.
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
