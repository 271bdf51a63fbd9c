package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ResearchWriter/internal/checkpoint"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Show the state stored in a checkpoint",
		Long: `Show phase, round, last error and draft of a checkpoint file or
session directory (its latest.json is used).`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError(fmt.Errorf("inspect needs exactly one checkpoint path"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := checkpoint.Load(args[0])
			if err != nil {
				return usageError(err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cp)
			}
			printCheckpoint(cmd.OutOrStdout(), cp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw checkpoint")
	return cmd
}

func printCheckpoint(out io.Writer, cp checkpoint.Checkpoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", cp.SessionID)
	fmt.Fprintf(w, "Topic:\t%s\n", cp.Topic)
	fmt.Fprintf(w, "Phase:\t%s\n", cp.Phase)
	if cp.ResumePhase != cp.Phase {
		fmt.Fprintf(w, "Resumes at:\t%s\n", cp.ResumePhase)
	}
	fmt.Fprintf(w, "Round:\t%d of %d\n", cp.Round, cp.MaxRevisionRounds)
	fmt.Fprintf(w, "Evidence:\t%d records\n", len(cp.EvidenceIDs))
	draft := "-"
	if cp.DraftPath != "" {
		draft = fmt.Sprintf("%s (v%d)", cp.DraftPath, cp.DraftVersion)
	}
	fmt.Fprintf(w, "Draft:\t%s\n", draft)
	if cp.LastError != nil {
		fmt.Fprintf(w, "Last error:\t%s in %s: %s\n", cp.LastError.Class, cp.LastError.Phase, cp.LastError.Message)
	} else {
		fmt.Fprintf(w, "Last error:\t-\n")
	}
	fmt.Fprintf(w, "Elapsed:\t%s\n", cp.Elapsed().Round(time.Second))
	fmt.Fprintf(w, "Saved:\t%s\n", cp.SavedAt.Format(time.RFC3339))
	_ = w.Flush()
}
