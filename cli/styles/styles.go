// Package styles provides consistent styling for the keel CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary   = lipgloss.Color("#0EA5E9") // Sky blue
	Secondary = lipgloss.Color("#F97316") // Orange

	Success = lipgloss.Color("#10B981")
	Warning = lipgloss.Color("#F59E0B")
	Error   = lipgloss.Color("#EF4444")
	Info    = lipgloss.Color("#3B82F6")

	Text      = lipgloss.Color("#F9FAFB")
	TextMuted = lipgloss.Color("#9CA3AF")
	TextDim   = lipgloss.Color("#6B7280")
	Surface   = lipgloss.Color("#1F2937")
	Border    = lipgloss.Color("#374151")
)

// Text styles. They are rebuilt by DisableColors.
var (
	Bold      lipgloss.Style
	Title     lipgloss.Style
	Normal    lipgloss.Style
	Muted     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Code      lipgloss.Style

	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style
	ErrorStyle   lipgloss.Style
	InfoStyle    lipgloss.Style

	Box      lipgloss.Style
	BoxError lipgloss.Style
)

// Icons
const (
	IconSuccess    = "✓"
	IconError      = "✗"
	IconWarning    = "⚠"
	IconInfo       = "ℹ"
	IconArrow      = "→"
	IconDot        = "•"
	IconKeel       = "⚓"
	IconStream     = "⇶"
	IconDeadLetter = "☠"
	IconRelay      = "⇄"
)

func init() {
	build()
}

func build() {
	Bold = lipgloss.NewStyle().Bold(true)
	Title = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted = lipgloss.NewStyle().Foreground(TextMuted)
	Dim = lipgloss.NewStyle().Foreground(TextDim)
	Highlight = lipgloss.NewStyle().Foreground(Secondary).Bold(true)
	Code = lipgloss.NewStyle().Foreground(Secondary).Background(Surface).Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle = lipgloss.NewStyle().Foreground(Error)
	InfoStyle = lipgloss.NewStyle().Foreground(Info)

	Box = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Border).Padding(0, 1)
	BoxError = Box.BorderForeground(Error)
}

// FormatSuccess formats a success message with icon
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats a step in a process, e.g. "[2/5] migrating".
func FormatStep(step, total int, msg string) string {
	return Muted.Width(8).Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	return Muted.Width(26).Render(key+":") + " " + Highlight.Render(value)
}

// DisableColors disables all colors for terminals that don't support them
func DisableColors() {
	for _, c := range []*lipgloss.Color{
		&Primary, &Secondary, &Success, &Warning, &Error, &Info,
		&Text, &TextMuted, &TextDim, &Surface, &Border,
	} {
		*c = lipgloss.Color("")
	}
	build()
}
