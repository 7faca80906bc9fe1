package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
)

func newRosterCommand(ctx *commandContext) *cobra.Command {
	rosterCmd := &cobra.Command{
		Use:   "roster",
		Short: "Inspect and manage the roster",
	}
	rosterCmd.AddCommand(newRosterListCommand(ctx))
	rosterCmd.AddCommand(newRosterAddCommand(ctx))
	rosterCmd.AddCommand(newRosterRemoveCommand(ctx))
	return rosterCmd
}

func newRosterListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roster entries in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			board, err := ctx.ledger().Board(cmd.Context(), ctx.ledger().Today())
			if err != nil {
				return err
			}
			if len(board.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Roster is empty")
				return nil
			}
			rows := make([][]string, 0, len(board.Entries))
			for _, entry := range board.Entries {
				mark := ""
				if entry.PresentToday {
					mark = "Present"
				}
				rows = append(rows, []string{entry.ID, entry.Name, mark})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Today"}, rows, nil))
			return nil
		},
	}
}

func newRosterAddCommand(ctx *commandContext) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a roster entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			res, err := ctx.ledger().AddRosterEntry(cmd.Context(), service.AddRosterEntryRequest{ID: id, Name: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Identifier (defaults to the name)")
	return cmd
}

func newRosterRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a roster entry; logged attendance is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			res, err := ctx.ledger().RemoveRosterEntry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func newAbsentCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "absent",
		Short: "Mark every roster subject not present today as Absent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			count, err := ctx.ledger().MarkAllAbsent(cmd.Context(), ctx.ledger().Today())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d students Absent for today.\n", count)
			return nil
		},
	}
}

func newRetractCommand(ctx *commandContext) *cobra.Command {
	var date, status string
	cmd := &cobra.Command{
		Use:   "retract <id>",
		Short: "Remove one of today's attendance entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			ledger := ctx.ledger()
			today := ledger.Today()
			if date == "" {
				date = today.Format(models.DateLayout)
			}
			res, err := ledger.RetractTodayEntry(cmd.Context(), service.RetractRequest{Date: date, SubjectID: args[0], Status: status}, today)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Entry date (YYYY-MM-DD, defaults to today)")
	cmd.Flags().StringVar(&status, "status", string(models.AttendanceStatusPresent), "Entry status")
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the raw attendance log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := ctx.ledger().ExportLog(cmd.Context(), &buf); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, buf.Bytes())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (defaults to stdout)")
	return cmd
}

func newReportCommand(ctx *commandContext) *cobra.Command {
	var date, format, output string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a daily attendance report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			day := ctx.ledger().Today()
			if date != "" {
				parsed, err := models.ParseDate(date)
				if err != nil {
					return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid --date")
				}
				day = parsed
			}
			report, err := ctx.reports().DailyReport(cmd.Context(), day, format)
			if err != nil {
				return err
			}
			if format == service.ReportFormatPDF && output == "" {
				output = report.Filename
			}
			if err := writeOutput(cmd.OutOrStdout(), output, report.Body); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day (YYYY-MM-DD, defaults to today)")
	cmd.Flags().StringVar(&format, "format", service.ReportFormatCSV, "csv or pdf")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (pdf defaults to attendance-<date>.pdf)")
	return cmd
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
