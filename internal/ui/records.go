package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/service"
)

// RecordsTable renders records as a bordered table.
func RecordsTable(recs []record.Record, currency string) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		state := "synced"
		if !r.Synced {
			state = "pending"
		}
		rows = append(rows, []string{
			r.OccurredOn.String(),
			r.Kind.String(),
			FormatSigned(r.Fields, currency),
			r.Category,
			r.Description,
			r.ID,
			state,
		})
	}

	headerStyle := boldStyle.Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("DATE", "KIND", "AMOUNT", "CATEGORY", "DESCRIPTION", "ID", "STATE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			switch col {
			case 2:
				if recs[row].Kind == record.Expense {
					return cellStyle.Foreground(ColorFail).Align(lipgloss.Right)
				}
				return cellStyle.Foreground(ColorPass).Align(lipgloss.Right)
			case 6:
				if !recs[row].Synced {
					return cellStyle.Foreground(ColorWarn)
				}
				return cellStyle.Foreground(ColorMuted)
			}
			return cellStyle
		})
	return t.String()
}

// SummaryMarkdown builds a markdown report of a summary.
func SummaryMarkdown(title string, sum service.Summary, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if sum.Count == 0 {
		b.WriteString("No records.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%d records from %s to %s.\n\n", sum.Count, sum.From, sum.To)
	b.WriteString("| | Amount |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Income | %s |\n", FormatAmount(sum.Income, currency))
	fmt.Fprintf(&b, "| Expense | %s |\n", FormatAmount(sum.Expense, currency))
	fmt.Fprintf(&b, "| **Net** | **%s** |\n\n", FormatAmount(sum.Net(), currency))

	b.WriteString("## By category\n\n")
	b.WriteString("| Category | Kind | Records | Total |\n|---|---|---:|---:|\n")
	for _, c := range sum.Categories {
		fmt.Fprintf(&b, "| %s | %s | %d | %s |\n",
			escapeCell(c.Category), c.Kind, c.Count, FormatAmount(c.Total, currency))
	}
	return b.String()
}

func escapeCell(s string) string { return strings.ReplaceAll(s, "|", `\|`) }

// RenderMarkdown renders markdown for the terminal. Styled output is only
// used when styled is true; otherwise the plain notty style is applied.
func RenderMarkdown(md string, width int, styled bool) (string, error) {
	style := glamour.WithStandardStyle("notty")
	if styled {
		style = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return "", fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return out, nil
}
