package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "interjornada-server",
		Short: "Enforces the mandatory rest period between work shifts",
		Long: `interjornada-server mirrors a badge controller's access log, tracks each
employee's work and rest windows and moves employees into the device's
denial group until their rest period has been served.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file (default $INTERJORNADA_CONFIG)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSimulateCommand(opts))

	return cmd
}
