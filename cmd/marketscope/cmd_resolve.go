package main

import (
	"context"

	"github.com/spf13/cobra"

	"marketscope/internal/resolve"
)

// resolveCmd inspects what the fallback ladders would pick right now.
var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Inspect demand, corpus or signal resolution",
}

var resolveDemandCmd = &cobra.Command{
	Use:   "demand",
	Short: "Walk the demand fallback ladder for a category and month",
	RunE:  runResolveDemand,
}

var resolveCorpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Resolve the usable keyword corpus snapshot",
	RunE:  runResolveCorpus,
}

var resolveSignalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Resolve trusted signals with month-window relaxation",
	RunE:  runResolveSignals,
}

func init() {
	addScopeFlags(resolveDemandCmd)
	addScopeFlags(resolveCorpusCmd)
	addScopeFlags(resolveSignalsCmd)
	resolveCmd.AddCommand(resolveDemandCmd)
	resolveCmd.AddCommand(resolveCorpusCmd)
	resolveCmd.AddCommand(resolveSignalsCmd)
}

func runResolveDemand(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := resolve.NewDemandResolver(docs).Resolve(ctx, resolve.Request{}, scope(), targetMonth())
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runResolveCorpus(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := resolve.NewCorpusResolver(docs).Resolve(ctx, resolve.Request{}, scope())
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runResolveSignals(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	r := resolve.NewSignalResolver(docs)
	r.MinCount = cfg.Signals.MinCount
	res, err := r.Resolve(ctx, resolve.Request{}, categoryID, targetMonth())
	if err != nil {
		return err
	}
	return printJSON(res)
}
