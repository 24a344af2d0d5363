package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
)

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass between sessions and device groups",
		Long: `reconcile restores employees left in the denial group without a blocked
session and denies blocked employees the device still lets in. Running it
twice in a row makes no corrections the second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func runReconcile(ctx context.Context, opts *rootOptions, out io.Writer) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	groups, err := a.resolveGroups(ctx, true)
	if err != nil {
		return err
	}
	rep, err := a.reconciler(groups).Reconcile(ctx)
	if err != nil {
		return err
	}

	return printReconcile(out, rep)
}

func printReconcile(out io.Writer, rep service.ReconcileReport) error {
	fmt.Fprintf(out, "restored=%d denied=%d cleared=%d failed=%d device_failed=%d\n",
		rep.Restored, rep.Denied, rep.Cleared, rep.Failed, rep.DeviceFailed)
	switch {
	case rep.Failed > 0:
		return fmt.Errorf("%d employees could not be reconciled; see the log", rep.Failed)
	case rep.DeviceFailed > 0:
		return fmt.Errorf("%d device group moves failed, local state kept; see group_sync_log", rep.DeviceFailed)
	}
	return nil
}
