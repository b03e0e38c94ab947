package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"ams/core"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newTreeCmd creates the 'tree' subcommand
func newTreeCmd() *cobra.Command {
	var criticalPoints []string

	cmd := &cobra.Command{
		Use:   "tree <submission-uuid>",
		Short: "Print a submission's analysis tree",
		Long: `Print a submission's analysis tree as an indented outline.

Repeated observables and analyses are printed once in full; later occurrences point back
to the first one. Observables passed with --critical-point are highlighted together with
every ancestor that leads to them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission uuid: %w", err)
			}
			points, err := parseUUIDs(criticalPoints)
			if err != nil {
				return fmt.Errorf("invalid critical point: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, err := openFunc(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			tree, err := app.Services.Trees.ReadTree(ctx, id, core.TreeOptions{CriticalPoints: points})
			if err != nil {
				return fmt.Errorf("failed to read tree: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), tree)
			}
			renderTree(cmd.OutOrStdout(), tree)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&criticalPoints, "critical-point", nil, "Observable uuid to highlight (repeatable)")

	return cmd
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// renderTree prints the submission header and one line per tree position
func renderTree(w io.Writer, tree *core.SubmissionTree) {
	sub := tree.Submission
	headerColor.Fprintf(w, "SUBMISSION %s\n", sub.UUID)
	headerColor.Fprintln(w, strings.Repeat("=", 60))
	printField(w, "Name", derefString(sub.Name))
	printField(w, "Queue", sub.Queue)
	printField(w, "Type", sub.Type)
	printField(w, "Disposition", derefString(sub.Disposition))
	printField(w, "Owner", ownerName(sub.Owner))
	printField(w, "Event Time", formatTime(sub.EventTime))
	printField(w, "Version", sub.Version.String())
	fmt.Fprintln(w)

	if len(tree.Children) == 0 {
		warningColor.Fprintln(w, "  (empty tree)")
		return
	}

	core.WalkTree(tree.Children, func(n *core.TreeNode, depth int) {
		indent := strings.Repeat("  ", depth+1)
		line := indent + "- " + treeNodeLabel(n)
		if n.JumpTo != nil {
			line += " " + infoColor.Sprintf("(see %s)", n.JumpTo.String())
		}
		if n.CriticalPath {
			line = color.New(color.FgRed, color.Bold).Sprint(line) + " *"
		}
		fmt.Fprintln(w, line)
	})
}

func treeNodeLabel(n *core.TreeNode) string {
	switch {
	case n.Observable != nil:
		label := fmt.Sprintf("observable %s: %s", n.Observable.Type, n.Observable.Value)
		if len(n.Observable.Tags) > 0 {
			label += " [" + strings.Join(n.Observable.Tags, ", ") + "]"
		}
		return label
	case n.Analysis != nil:
		module := "root"
		if n.Analysis.AnalysisModuleType != nil {
			module = *n.Analysis.AnalysisModuleType
		}
		label := "analysis " + module
		if n.Analysis.Summary != nil {
			label += ": " + *n.Analysis.Summary
		}
		if n.Analysis.ErrorMessage != nil {
			label += " " + errorColor.Sprintf("(error: %s)", *n.Analysis.ErrorMessage)
		}
		return label
	default:
		return fmt.Sprintf("%s %s", n.ObjectType, n.UUID)
	}
}
