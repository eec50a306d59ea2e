package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleAccent  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var styleCard = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("8")).
	Padding(0, 1)

var priorityStyles = map[string]lipgloss.Style{
	"P0": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	"P1": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	"P2": lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
}

func colorize(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleSuccess, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleError, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleWarning, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(styleBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleAccent, "→ "+msg))
}

// card frames body with a rounded border, or returns it unframed when
// color is off.
func card(title, body string) string {
	if noColor {
		return title + "\n" + body
	}
	return styleCard.Render(styleBold.Render(title) + "\n" + body)
}

func priorityLabel(p string) string {
	s, ok := priorityStyles[p]
	if !ok {
		return p
	}
	return colorize(s, p)
}
