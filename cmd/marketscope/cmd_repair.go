package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketscope/internal/pipeline"
	"marketscope/internal/repair"
	"marketscope/internal/resolve"
)

// repairCmd heals poisoned demand artifacts.
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Repair a poisoned demand output",
	Long: `Detects a certified demand output whose headline index is zero or
non-finite, marks it poisoned in place, recomputes the metrics from the
same upstream snapshot, and writes a healthy replacement when the
recompute produces a usable index.

The repair never loops: a recompute that still yields a degenerate index
leaves the document marked poisoned so resolution skips it.`,
	RunE: runRepair,
}

func init() {
	addScopeFlags(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	runner := pipeline.NewRecomputer(docs, countryCode, langCode)
	result, repairErr := repair.NewDemandRepairer(docs, runner).Repair(ctx, resolve.Request{}, categoryID, targetMonth())
	if result != nil {
		logger.Info("Repair finished",
			zap.String("category", categoryID),
			zap.String("action", string(result.Action)))
		if err := printJSON(result); err != nil {
			return err
		}
	}
	return repairErr
}
