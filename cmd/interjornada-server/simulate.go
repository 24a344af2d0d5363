package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
)

type simulateOptions struct {
	At       string
	ByDevice bool
}

func newSimulateCommand(opts *rootOptions) *cobra.Command {
	so := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate <employee-id>",
		Short: "Show the access decision an employee would get, without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts, so, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&so.At, "at", "", "RFC 3339 instant to evaluate (default now)")
	cmd.Flags().BoolVar(&so.ByDevice, "device-id", false, "treat the argument as the device user id")

	return cmd
}

func runSimulate(ctx context.Context, opts *rootOptions, so *simulateOptions, rawID string, out io.Writer) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid employee id %q", rawID)
	}
	at := time.Now().UTC()
	if so.At != "" {
		if at, err = time.Parse(time.RFC3339, so.At); err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if so.ByDevice {
		emp, err := a.employees.EmployeeByDeviceID(ctx, id)
		if err != nil {
			return fmt.Errorf("employee with device id %d: %w", id, err)
		}
		id = emp.ID
	}

	// Simulation never reaches the device; the local group mirror is enough.
	groups, err := a.resolveGroups(ctx, false)
	if err != nil {
		return err
	}
	projector := a.projector(groups, a.reconciler(groups))
	query := service.NewQueryService(a.events, a.sessions, a.employees, a.audit, projector, nil)

	d, err := query.Simulate(ctx, id, at)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
