package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"ams/core"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newHistoryCmd creates the 'history' subcommand
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <node-type> <uuid>",
		Short: "Print the history ledger of a node",
		Long: `Print the history ledger of a node in the order it was written.

Node types: submission, observable, analysis, comment, event.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeType, err := core.ParseNodeType(args[0])
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid uuid: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, err := openFunc(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.Services.Entities.History(ctx, nodeType, id)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), records)
			}
			renderHistory(cmd.OutOrStdout(), nodeType, id, records)
			return nil
		},
	}

	return cmd
}

// renderHistory prints one row per ledger record
func renderHistory(w io.Writer, nodeType core.NodeType, id uuid.UUID, records []core.HistoryRecord) {
	if len(records) == 0 {
		warningColor.Fprintln(w, "No history found")
		return
	}

	headerColor.Fprintf(w, "HISTORY %s %s\n", strings.ToUpper(nodeType.String()), id)
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-20s %-8s %-16s %-20s %s\n", "Time", "Action", "User", "Field", "Change")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, r := range records {
		field := ""
		if r.Field != nil {
			field = *r.Field
		}
		fmt.Fprintf(w, "%-20s %-8s %-16s %-20s %s\n",
			formatTime(r.ActionTime), r.Action, r.ActionBy, field, formatDiff(r.Diff))
	}

	fmt.Fprintln(w, strings.Repeat("=", 100))
}

func formatDiff(d *core.Diff) string {
	if d == nil {
		return ""
	}
	if d.IsList() {
		var parts []string
		if len(d.AddedToList) > 0 {
			parts = append(parts, "+"+strings.Join(d.AddedToList, ",+"))
		}
		if len(d.RemovedFromList) > 0 {
			parts = append(parts, "-"+strings.Join(d.RemovedFromList, ",-"))
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprintf("%s -> %s", formatValue(d.OldValue), formatValue(d.NewValue))
}

func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(v)
}
