package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/export"
)

// Report formats.
const (
	ReportFormatCSV = "csv"
	ReportFormatPDF = "pdf"
)

type reportSource interface {
	TodayEvents(ctx context.Context, today time.Time) ([]models.AttendanceEvent, error)
	ListRoster(ctx context.Context) ([]models.Subject, error)
}

type datasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// Report is a rendered daily report.
type Report struct {
	Filename    string
	ContentType string
	Body        []byte
	Summary     models.DailySummary
}

// ReportService renders one day of attendance as CSV or PDF.
type ReportService struct {
	source reportSource
	csv    datasetRenderer
	pdf    datasetRenderer
	logger *zap.Logger
}

// NewReportService constructs a ReportService with the default renderers.
func NewReportService(source reportSource, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{source: source, csv: export.NewCSVExporter(), pdf: export.NewPDFExporter(), logger: logger}
}

// DailySummary counts one day's attendance against the roster. Subjects are
// counted once per status; present subjects outside the roster are guests.
func (s *ReportService) DailySummary(ctx context.Context, day time.Time) (models.DailySummary, []models.AttendanceEvent, error) {
	events, err := s.source.TodayEvents(ctx, day)
	if err != nil {
		return models.DailySummary{}, nil, err
	}
	roster, err := s.source.ListRoster(ctx)
	if err != nil {
		return models.DailySummary{}, nil, err
	}
	return summarise(day, roster, events), events, nil
}

// DailyReport renders the report for day in format.
func (s *ReportService) DailyReport(ctx context.Context, day time.Time, format string) (*Report, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	var renderer datasetRenderer
	contentType := ""
	switch format {
	case "", ReportFormatCSV:
		format, renderer, contentType = ReportFormatCSV, s.csv, "text/csv"
	case ReportFormatPDF:
		renderer, contentType = s.pdf, "application/pdf"
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported report format %q", format))
	}

	summary, events, err := s.DailySummary(ctx, day)
	if err != nil {
		return nil, err
	}
	dataset := export.Dataset{
		Title:   fmt.Sprintf("Attendance Report %s", summary.Date),
		Headers: []string{"Date", "Student ID", "Name", "Status"},
		Footer: []string{
			fmt.Sprintf("Present: %d", summary.Present),
			fmt.Sprintf("Absent: %d", summary.Absent),
			fmt.Sprintf("Not checked in: %d of %d", summary.NotCheckedIn, summary.RosterSize),
			fmt.Sprintf("Guests: %d", summary.Guests),
		},
	}
	for _, ev := range events {
		dataset.Rows = append(dataset.Rows, []string{ev.DateString(), ev.SubjectID, ev.Name, string(ev.Status)})
	}

	body, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "render report")
	}
	s.logger.Debug("daily report rendered", zap.String("date", summary.Date), zap.String("format", format), zap.Int("rows", len(events)))
	return &Report{
		Filename:    fmt.Sprintf("attendance-%s.%s", summary.Date, format),
		ContentType: contentType,
		Body:        body,
		Summary:     summary,
	}, nil
}

func summarise(day time.Time, roster []models.Subject, events []models.AttendanceEvent) models.DailySummary {
	inRoster := make(map[string]struct{}, len(roster))
	for _, s := range roster {
		inRoster[s.ID] = struct{}{}
	}
	present := map[string]struct{}{}
	absent := map[string]struct{}{}
	seen := map[string]struct{}{}
	for _, ev := range events {
		seen[ev.SubjectID] = struct{}{}
		switch ev.Status {
		case models.AttendanceStatusPresent:
			present[ev.SubjectID] = struct{}{}
		case models.AttendanceStatusAbsent:
			absent[ev.SubjectID] = struct{}{}
		}
	}

	summary := models.DailySummary{
		Date:       day.Format(models.DateLayout),
		Present:    len(present),
		Absent:     len(absent),
		RosterSize: len(roster),
	}
	for _, s := range roster {
		if _, ok := seen[s.ID]; !ok {
			summary.NotCheckedIn++
		}
	}
	for id := range present {
		if _, ok := inRoster[id]; !ok {
			summary.Guests++
		}
	}
	return summary
}
