package controller

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	m "kcov.dev/pkg/kcov/internal/model"
)

const (
	goodCoverage = 75.0
	fairCoverage = 50.0
)

var (
	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	fairStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	poorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// SimpleUI implements UI by writing plain tables to the command's error
// stream. Stdout belongs to the traced program.
type SimpleUI struct {
	cmd     *cobra.Command
	colored bool
}

// NewSimpleUI creates a new SimpleUI.
func NewSimpleUI(cmd *cobra.Command) *SimpleUI {
	return &SimpleUI{cmd: cmd}
}

// DisplayTarget prints which engine handles the target.
func (s *SimpleUI) DisplayTarget(ctx context.Context, target string, engine string) {
	if err := ctx.Err(); err != nil {
		return
	}

	s.printf("Collecting coverage for %s (%s)\n", target, engine)
}

// DisplaySummary prints the coverage table.
func (s *SimpleUI) DisplaySummary(ctx context.Context, summary m.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if summary.Title != "" {
		s.printf("\n%s\n", summary.Title)
	}

	s.printf("%s", s.renderSummaryTable(summary))

	return nil
}

// DisplayExit prints abnormal terminations of the traced program.
func (s *SimpleUI) DisplayExit(ctx context.Context, status m.ExitStatus) {
	if err := ctx.Err(); err != nil {
		return
	}

	if status.Signaled {
		s.printf("Program terminated by signal %d\n", status.Signal)
	}
}

func (s *SimpleUI) renderSummaryTable(summary m.Summary) string {
	var tableBuffer bytes.Buffer

	files := append([]m.FileSummary(nil), summary.Files...)
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"File", "Lines", "Executed", "Coverage"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	for _, file := range files {
		table.Append([]string{
			string(file.Path),
			fmt.Sprintf("%d", file.Instrumented),
			fmt.Sprintf("%d", file.Executed),
			s.percent(file.Percent()),
		})
	}

	totals := summary.Totals()
	table.SetFooter([]string{
		fmt.Sprintf("Total Files %d", len(files)),
		fmt.Sprintf("%d", totals.Instrumented),
		fmt.Sprintf("%d", totals.Executed),
		fmt.Sprintf("%.2f%%", totals.Percent()),
	})

	table.Render()

	return tableBuffer.String()
}

func (s *SimpleUI) percent(value float64) string {
	text := fmt.Sprintf("%.2f%%", value)
	if !s.colored {
		return text
	}

	switch {
	case value >= goodCoverage:
		return goodStyle.Render(text)
	case value >= fairCoverage:
		return fairStyle.Render(text)
	default:
		return poorStyle.Render(text)
	}
}

func (s *SimpleUI) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.cmd.ErrOrStderr(), format, args...)
}
