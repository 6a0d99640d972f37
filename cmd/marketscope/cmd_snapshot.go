package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketscope/internal/snapshot"
)

var (
	snapshotID   string
	listLimit    int
	deleteReason string
)

// snapshotCmd groups snapshot maintenance operations.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and maintain corpus snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots for a scope, newest first",
	RunE:  runSnapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one snapshot's metadata and integrity summary",
	RunE:  runSnapshotShow,
}

var snapshotForceValidateCmd = &cobra.Command{
	Use:   "force-validate",
	Short: "Stamp every row of a snapshot as valid (break-glass)",
	Long: `Marks every row of the snapshot VALID with placeholder metrics and
rewrites its chunks. This bypasses real validation entirely; it exists to
unblock a demo when the validation provider is down, and it logs loudly.`,
	RunE: runSnapshotForceValidate,
}

var snapshotUnpointCmd = &cobra.Command{
	Use:   "unpoint",
	Short: "Soft-delete the active-snapshot pointer for a scope",
	RunE:  runSnapshotUnpoint,
}

func init() {
	addScopeFlags(snapshotListCmd)
	snapshotListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum snapshots to list")

	addScopeFlags(snapshotShowCmd)
	snapshotShowCmd.Flags().StringVar(&snapshotID, "id", "", "Snapshot id (required)")
	_ = snapshotShowCmd.MarkFlagRequired("id")

	addScopeFlags(snapshotForceValidateCmd)
	snapshotForceValidateCmd.Flags().StringVar(&snapshotID, "id", "", "Snapshot id (required)")
	_ = snapshotForceValidateCmd.MarkFlagRequired("id")

	addScopeFlags(snapshotUnpointCmd)
	snapshotUnpointCmd.Flags().StringVar(&deleteReason, "reason", "manual unpoint", "Reason recorded on the tombstone")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotForceValidateCmd)
	snapshotCmd.AddCommand(snapshotUnpointCmd)
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	snaps, err := snapshot.NewStore(docs).List(ctx, scope(), listLimit)
	if err != nil {
		return err
	}
	return printJSON(snaps)
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	snap, err := snapshot.NewStore(docs).GetByID(ctx, scope(), snapshotID)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runSnapshotForceValidate(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store := snapshot.NewStore(docs)
	snap, err := store.GetByID(ctx, scope(), snapshotID)
	if err != nil {
		return err
	}

	n, err := store.ForceMarkAllValid(ctx, snap, "cli")
	if err != nil {
		return err
	}
	logger.Warn("Force-validated snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.Int("rows", n))
	fmt.Printf("force-validated %d rows in %s\n", n, snapshotID)
	return nil
}

func runSnapshotUnpoint(cmd *cobra.Command, args []string) error {
	docs, err := openStore()
	if err != nil {
		return err
	}
	defer docs.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ptrs := snapshot.NewPointerStore(docs)
	if err := ptrs.SoftDelete(ctx, scope(), deleteReason); err != nil {
		return err
	}
	fmt.Printf("pointer for %s/%s/%s soft-deleted\n", countryCode, langCode, categoryID)
	return nil
}
