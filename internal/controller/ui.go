// Package controller provides output adapters for displaying coverage results.
package controller

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	m "kcov.dev/pkg/kcov/internal/model"
)

// UI defines how the workflow reports progress and results to the user.
type UI interface {
	// DisplayTarget announces the target being run and the engine chosen for it.
	DisplayTarget(ctx context.Context, target string, engine string)
	// DisplaySummary shows per-file coverage figures.
	DisplaySummary(ctx context.Context, summary m.Summary) error
	// DisplayExit reports how the traced program terminated.
	DisplayExit(ctx context.Context, status m.ExitStatus)
}

// NewUI creates the UI for cmd. When useTTY is true percentages are colored.
func NewUI(cmd *cobra.Command, useTTY bool) UI {
	ui := NewSimpleUI(cmd)
	ui.colored = useTTY

	return ui
}

// IsTTY checks if the given writer is an interactive terminal.
func IsTTY(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}

	return term.IsTerminal(int(file.Fd()))
}
