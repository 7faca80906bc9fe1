package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
)

func newCheckInCommand(ctx *commandContext) *cobra.Command {
	var status, name string
	cmd := &cobra.Command{
		Use:   "checkin <id>",
		Short: "Check in a roster subject",
		Long:  "Check in a roster subject by identifier. With --name the entry is recorded as given, which requires --pin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger := ctx.ledger()
			today := ledger.Today()

			var res *models.Result
			var err error
			if name == "" && status == "" {
				res, err = ledger.CheckInRoster(cmd.Context(), args[0], today)
			} else {
				if err := ctx.requireAdmin(); err != nil {
					return err
				}
				res, err = ledger.CheckIn(cmd.Context(), service.CheckInRequest{SubjectID: args[0], Name: name, Status: status}, today)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name for a manual entry")
	cmd.Flags().StringVar(&status, "status", "", "Present or Absent for a manual entry")
	return cmd
}

func newGuestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "guest <name>",
		Short: "Check in a guest by name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger := ctx.ledger()
			res, err := ledger.GuestCheckIn(cmd.Context(), strings.Join(args, " "), ledger.Today())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func newPresentCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "present <id>",
		Short: "Report whether a subject is present today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger := ctx.ledger()
			present, err := ledger.IsPresentToday(cmd.Context(), args[0], ledger.Today())
			if err != nil {
				return err
			}
			if present {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is present today.\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not present today.\n", args[0])
			}
			return nil
		},
	}
}

func newTodayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's attendance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, events, err := ctx.reports().DailySummary(cmd.Context(), ctx.ledger().Today())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintf(out, "No attendance recorded for %s\n", summary.Date)
			} else {
				fmt.Fprint(out, renderEvents(events))
			}
			fmt.Fprintf(out, "Present %d, Absent %d, not checked in %d of %d, guests %d\n",
				summary.Present, summary.Absent, summary.NotCheckedIn, summary.RosterSize, summary.Guests)
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var from, to, subjectID, status string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Filter the attendance log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.requireAdmin(); err != nil {
				return err
			}
			filter := models.EventFilter{SubjectID: strings.TrimSpace(subjectID)}
			if from != "" {
				day, err := models.ParseDate(from)
				if err != nil {
					return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid --from date")
				}
				filter.From = &day
			}
			if to != "" {
				day, err := models.ParseDate(to)
				if err != nil {
					return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid --to date")
				}
				filter.To = &day
			}
			if status != "" {
				parsed, err := models.ParseAttendanceStatus(status)
				if err != nil {
					return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid --status")
				}
				filter.Status = &parsed
			}

			events, err := ctx.ledger().History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching attendance")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderEvents(events))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "First day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&subjectID, "id", "", "Subject identifier")
	cmd.Flags().StringVar(&status, "status", "", "Present or Absent")
	return cmd
}

func renderEvents(events []models.AttendanceEvent) string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{ev.DateString(), ev.SubjectID, ev.Name, string(ev.Status)})
	}
	return renderTable([]string{"Date", "ID", "Name", "Status"}, rows, nil)
}
