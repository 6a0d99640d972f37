package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketscope/internal/pipeline"
	"marketscope/internal/registry"
	"marketscope/internal/synth"
)

var (
	runMode      string
	registryPath string
)

// runCmd executes the pipeline for one category and month.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for a category and month",
	Long: `Executes the fixed stage sequence: corpus load, row verification,
intelligence synthesis, demand resolution and computation, signal resolution,
report binding and synthesis, and playbook generation.

In DRY_RUN mode generative stages use deterministic stub payloads, so a run
costs nothing and is reproducible. FULL_RUN requires GEMINI_API_KEY.`,
	RunE: runPipeline,
}

func init() {
	addScopeFlags(runCmd)
	runCmd.Flags().StringVar(&runMode, "mode", "", "Run mode: DRY_RUN or FULL_RUN (default: config)")
	runCmd.Flags().StringVar(&registryPath, "registry", "", "Category taxonomy YAML for drift detection")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	mode := pipeline.Mode(runMode)
	if runMode == "" {
		mode = pipeline.Mode(cfg.Pipeline.DefaultMode)
	}

	var reg *registry.Registry
	if registryPath != "" {
		reg, err = registry.Load(registryPath)
		if err != nil {
			return err
		}
		if _, ok := reg.Find(categoryID); !ok {
			return fmt.Errorf("category %s not present in registry %s", categoryID, registryPath)
		}
	}

	var synthesizer synth.Synthesizer
	if mode == pipeline.ModeFull {
		synthesizer, err = synth.NewGenAIClient(cfg.Synth.APIKey, cfg.Synth.Model)
		if err != nil {
			return fmt.Errorf("synthesis client: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	o := pipeline.New(docs, reg, synthesizer)
	res, runErr := o.Run(ctx, pipeline.Options{
		Scope:        scope(),
		Month:        targetMonth(),
		Mode:         mode,
		SynthTimeout: cfg.GetSynthTimeout(),
	})
	if res != nil {
		logger.Info("Pipeline finished",
			zap.String("run_id", res.RunID),
			zap.String("verdict", string(res.Verdict)),
			zap.Int("stages_completed", len(res.Completed)))
		if err := printJSON(res); err != nil {
			return err
		}
	}
	return runErr
}
