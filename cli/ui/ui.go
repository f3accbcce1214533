// Package ui provides reusable rendering components for the keel CLI.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AshkanYarmoradi/go-keel/cli/styles"
)

// Table collects rows and renders them with a rounded border.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow adds a row. Missing cells are left blank and extra cells dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Border)).
		Headers(t.headers...).
		Rows(t.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		String()
}

// KeyValues renders aligned key/value lines.
func KeyValues(pairs ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		sb.WriteString(styles.FormatKeyValue(pairs[i], pairs[i+1]))
		sb.WriteString("\n")
	}
	return sb.String()
}

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	style := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "ok", "healthy", "running", "published", "applied", "valid":
		return style.Background(styles.Success).Foreground(lipgloss.Color("#000000")).Render(status)
	case "pending", "retrying", "lagging":
		return style.Background(styles.Warning).Foreground(lipgloss.Color("#000000")).Render(status)
	case "error", "failed", "dead", "invalid":
		return style.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF")).Render(status)
	default:
		return style.Background(styles.Surface).Foreground(styles.Text).Render(status)
	}
}

// Banner renders the keel banner
func Banner() string {
	banner := `
   ██╗  ██╗███████╗███████╗██╗
   ██║ ██╔╝██╔════╝██╔════╝██║
   █████╔╝ █████╗  █████╗  ██║
   ██╔═██╗ ██╔══╝  ██╔══╝  ██║
   ██║  ██╗███████╗███████╗███████╗
   ╚═╝  ╚═╝╚══════╝╚══════╝╚══════╝
   event store and delivery engine
`
	return lipgloss.NewStyle().Foreground(styles.Primary).Bold(true).Render(banner)
}

// SimpleBanner returns a one-line banner
func SimpleBanner() string {
	return styles.IconKeel + " " +
		lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Render("keel") +
		" " + styles.Muted.Render("- event store and delivery engine")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets
func ListItems(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString("  ")
		sb.WriteString(styles.Highlight.Render(styles.IconDot))
		sb.WriteString(" ")
		sb.WriteString(styles.Normal.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
