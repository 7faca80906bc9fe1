package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var dataDir, pin string
	var verbose bool

	ctx := newCommandContext(&dataDir, &pin, &verbose)

	rootCmd := &cobra.Command{
		Use:           "kioskctl",
		Short:         "Terminal attendance kiosk",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureRuntime(cmd.Context())
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding the attendance log and roster (overrides DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&pin, "pin", "", "Admin PIN for administrative commands")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newCheckInCommand(ctx))
	rootCmd.AddCommand(newGuestCommand(ctx))
	rootCmd.AddCommand(newPresentCommand(ctx))
	rootCmd.AddCommand(newTodayCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newRosterCommand(ctx))
	rootCmd.AddCommand(newAbsentCommand(ctx))
	rootCmd.AddCommand(newRetractCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newReportCommand(ctx))

	return rootCmd
}
