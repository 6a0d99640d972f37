package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"marketscope/internal/telemetry"
)

var (
	runKey         string
	showTranscript bool
)

// statusCmd reports the progress of a pipeline run from its telemetry.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest phase of a pipeline run",
	Long: `Reads the append-only run event stream an external watcher would
poll and reports the most recent phase, or the full ordered transcript
with --transcript.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&runKey, "run", "", "Run id (required)")
	statusCmd.Flags().BoolVar(&showTranscript, "transcript", false, "Print the full event transcript")
	_ = statusCmd.MarkFlagRequired("run")
}

func runStatus(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sink := telemetry.NewSink(docs)
	if err := sink.EnsureIndexes(ctx); err != nil {
		return err
	}
	if showTranscript {
		events, err := sink.Transcript(ctx, runKey)
		if err != nil {
			return err
		}
		return printJSON(events)
	}

	phase, err := sink.LatestPhase(ctx, runKey)
	if err != nil {
		return err
	}
	if phase == "" {
		fmt.Printf("no events recorded for %s\n", runKey)
		return nil
	}
	fmt.Printf("%s: %s\n", runKey, phase)
	return nil
}
