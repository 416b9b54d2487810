package cli

import (
	"github.com/allyourbase/smsd/internal/cli/ui"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/charmbracelet/lipgloss"
)

// colorEnabled reports whether stderr should get ANSI color.
func colorEnabled() bool { return ui.ColorEnabled() }

func colorEnabledFd(fd uintptr) bool { return ui.ColorEnabledFd(fd) }

// paint renders text through a forced-ANSI style. Callers have already made
// the TTY decision, so a true c always yields escape codes.
func paint(text string, c bool, style func(lipgloss.Style) lipgloss.Style) string {
	if !c {
		return text
	}
	return style(ui.ForcedRenderer().NewStyle()).Render(text)
}

func fg(color lipgloss.Color) func(lipgloss.Style) lipgloss.Style {
	return func(s lipgloss.Style) lipgloss.Style { return s.Foreground(color) }
}

func boldFg(color lipgloss.Color) func(lipgloss.Style) lipgloss.Style {
	return func(s lipgloss.Style) lipgloss.Style { return s.Bold(true).Foreground(color) }
}

func bold(text string, c bool) string {
	return paint(text, c, func(s lipgloss.Style) lipgloss.Style { return s.Bold(true) })
}

func dim(text string, c bool) string {
	return paint(text, c, func(s lipgloss.Style) lipgloss.Style { return s.Faint(true) })
}

func cyan(text string, c bool) string      { return paint(text, c, fg(ui.ColorCyan)) }
func green(text string, c bool) string     { return paint(text, c, fg(ui.ColorGreen)) }
func yellow(text string, c bool) string    { return paint(text, c, fg(ui.ColorYellow)) }
func red(text string, c bool) string       { return paint(text, c, fg(ui.ColorRed)) }
func boldCyan(text string, c bool) string  { return paint(text, c, boldFg(ui.ColorCyan)) }
func boldGreen(text string, c bool) string { return paint(text, c, boldFg(ui.ColorGreen)) }

// statusColor colors a delivery status by outcome: delivered is green,
// failed and rejected are red, in-flight states are yellow.
func statusColor(status sms.DeliveryStatus, c bool) string {
	switch status {
	case sms.StatusDelivered:
		return green(string(status), c)
	case sms.StatusFailed, sms.StatusRejected:
		return red(string(status), c)
	case sms.StatusPending, sms.StatusSent:
		return yellow(string(status), c)
	default:
		return dim(string(status), c)
	}
}
