package components

import (
	"strings"

	"github.com/bnema/gantry/internal/adapters/in/cli/ui/styles"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

const ellipsis = "..."

// TableColumn defines a table column. A zero Width leaves the column unbounded.
type TableColumn struct {
	Title string
	Width int
}

// TableModel is a styled table component.
type TableModel struct {
	columns     []TableColumn
	rows        [][]string
	border      lipgloss.Border
	borderStyle lipgloss.Style
	headerStyle lipgloss.Style
	cellStyle   lipgloss.Style
}

// TableOption configures a TableModel.
type TableOption func(*TableModel)

// NewTable creates a new styled table.
func NewTable(opts ...TableOption) *TableModel {
	t := &TableModel{
		border:      lipgloss.RoundedBorder(),
		borderStyle: lipgloss.NewStyle().Foreground(styles.ColorBorder),
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(styles.ColorPrimary).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Foreground(styles.ColorText).
			Padding(0, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// WithColumns sets the table columns.
func WithColumns(cols []TableColumn) TableOption {
	return func(t *TableModel) {
		t.columns = cols
	}
}

// WithRows sets the table rows.
func WithRows(rows [][]string) TableOption {
	return func(t *TableModel) {
		t.rows = rows
	}
}

// Render renders the table as a string.
func (t *TableModel) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	headers := make([]string, len(t.columns))
	for i, col := range t.columns {
		headers[i] = truncateCell(col.Title, contentWidth(col.Width, t.headerStyle))
	}

	rows := make([][]string, len(t.rows))
	for rowIdx, row := range t.rows {
		rows[rowIdx] = make([]string, len(row))
		for colIdx, cell := range row {
			width := 0
			if colIdx < len(t.columns) {
				width = contentWidth(t.columns[colIdx].Width, t.cellStyle)
			}
			rows[rowIdx][colIdx] = truncateCell(cell, width)
		}
	}

	tbl := table.New().
		Border(t.border).
		BorderStyle(t.borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := t.cellStyle
			if row == table.HeaderRow {
				style = t.headerStyle
			}
			if col >= 0 && col < len(t.columns) && t.columns[col].Width > 0 {
				width := t.columns[col].Width
				return style.Width(width).MaxWidth(width)
			}
			return style
		})

	return tbl.String()
}

// contentWidth is the room left for text in a column of the given width.
func contentWidth(width int, style lipgloss.Style) int {
	if width <= 0 {
		return 0
	}
	return max(width-style.GetHorizontalPadding(), 1)
}

// truncateCell shortens value to maxWidth display cells by eliding its
// middle, so generated names keep both their prefix and session suffix.
// Grapheme clusters are never split. Styled values are passed through.
func truncateCell(value string, maxWidth int) string {
	if strings.Contains(value, "\x1b[") {
		return value
	}
	if maxWidth <= 0 || runewidth.StringWidth(value) <= maxWidth {
		return value
	}
	if maxWidth <= len(ellipsis) {
		return ellipsis[:maxWidth]
	}

	var clusters []string
	g := uniseg.NewGraphemes(value)
	for g.Next() {
		clusters = append(clusters, g.Str())
	}

	budget := maxWidth - len(ellipsis)
	tailBudget := budget / 2
	headBudget := budget - tailBudget

	head, used := 0, 0
	for head < len(clusters) {
		w := runewidth.StringWidth(clusters[head])
		if used+w > headBudget {
			break
		}
		used += w
		head++
	}

	tail, used := len(clusters), 0
	for tail > head {
		w := runewidth.StringWidth(clusters[tail-1])
		if used+w > tailBudget {
			break
		}
		used += w
		tail--
	}

	return strings.Join(clusters[:head], "") + ellipsis + strings.Join(clusters[tail:], "")
}

// SimpleTable creates a simple table with headers and rows.
func SimpleTable(headers []string, rows [][]string) string {
	cols := make([]TableColumn, len(headers))
	for i, h := range headers {
		cols[i] = TableColumn{Title: h}
	}

	return NewTable(WithColumns(cols), WithRows(rows)).Render()
}

// ResourceTable renders provisioned resources.
func ResourceTable(rows [][]string) string {
	return NewTable(
		WithColumns([]TableColumn{
			{Title: "Resource"},
			{Title: "Kind"},
			{Title: "State"},
			{Title: "Engine name", Width: 40},
			{Title: "Endpoints"},
		}),
		WithRows(rows),
	).Render()
}
