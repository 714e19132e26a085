package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/persistence"
)

const columnWidth = 28

var (
	columnStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1).Width(columnWidth)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	highStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// boardColumn is one status column of the board snapshot.
type boardColumn struct {
	Status persistence.TaskStatus `json:"status"`
	Count  int                    `json:"count"`
	Tasks  []persistence.Task     `json:"tasks"`
}

func newBoardCmd() *cobra.Command {
	var (
		jsonOutput bool
		archived   bool
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Print the board from the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			cols, err := loadColumns(cmd.Context(), store, archived)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput || !isTerminal(out) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"columns": cols})
			}
			_, err = fmt.Fprintln(out, renderBoard(cols))
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON even on a terminal")
	cmd.Flags().BoolVar(&archived, "archived", false, "include the archived column")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func loadColumns(ctx context.Context, store *persistence.Store, archived bool) ([]boardColumn, error) {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	cols := make([]boardColumn, 0, len(persistence.AllStatuses))
	for _, st := range persistence.AllStatuses {
		if st == persistence.TaskStatusArchived && !archived {
			continue
		}
		tasks, err := store.ListTasks(ctx, persistence.TaskQuery{Status: st, Limit: persistence.MaxTaskLimit})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", st, err)
		}
		cols = append(cols, boardColumn{Status: st, Count: counts[st], Tasks: tasks})
	}
	return cols, nil
}

func renderBoard(cols []boardColumn) string {
	rendered := make([]string, 0, len(cols))
	for _, col := range cols {
		var b strings.Builder
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", col.Status, col.Count)))
		for _, t := range col.Tasks {
			b.WriteString("\n")
			b.WriteString(renderCard(t))
		}
		if hidden := col.Count - len(col.Tasks); hidden > 0 {
			b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("+%d more", hidden)))
		}
		rendered = append(rendered, columnStyle.Render(b.String()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func renderCard(t persistence.Task) string {
	title := truncate(t.Title, columnWidth-6)
	line := fmt.Sprintf("P%d %s", t.Priority, title)
	if t.Priority >= 4 {
		line = highStyle.Render(line)
	}
	if t.ClaimedBy != nil {
		line += "\n" + dimStyle.Render("  @"+truncate(*t.ClaimedBy, columnWidth-6))
	}
	if t.BlockedReason != nil && t.Status == persistence.TaskStatusBlocked {
		line += "\n" + dimStyle.Render("  "+truncate(*t.BlockedReason, columnWidth-6))
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release claims whose timeout has lapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := board.New(board.Config{Store: store, Logger: slog.Default()})
			n, err := engine.ReleaseTimedOut(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d task(s)\n", n)
			return nil
		},
	}
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <status>",
		Short: "Archive every task in a column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			status := persistence.TaskStatus(strings.ToLower(strings.TrimSpace(args[0])))
			engine := board.New(board.Config{Store: store, Logger: slog.Default()})
			n, err := engine.ArchiveColumn(cmd.Context(), status)
			if errors.Is(err, board.ErrInvalidStatus) {
				return exitError{code: 2, err: fmt.Errorf("invalid status %q", args[0])}
			}
			if err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d task(s) from %s\n", n, status)
			return nil
		},
	}
}
