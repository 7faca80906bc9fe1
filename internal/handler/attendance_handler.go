package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/attendance-kiosk/internal/middleware"
	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/response"
)

// ExportResource names the downloadable log for signed links.
const ExportResource = "attendance.csv"

// RosterCheckInRequest is a tap on a roster entry.
type RosterCheckInRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
}

// GuestCheckInRequest is a free-text check-in.
type GuestCheckInRequest struct {
	Name string `json:"name" binding:"required"`
}

// AttendanceHandler exposes check-in and attendance endpoints.
type AttendanceHandler struct {
	ledger  *service.AttendanceLedger
	reports *service.ReportService
	auth    *service.AdminAuthService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(ledger *service.AttendanceLedger, reports *service.ReportService, auth *service.AdminAuthService) *AttendanceHandler {
	return &AttendanceHandler{ledger: ledger, reports: reports, auth: auth}
}

// CheckIn godoc
// @Summary Check in a roster subject
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body RosterCheckInRequest true "Check-in payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /checkins [post]
func (h *AttendanceHandler) CheckIn(c *gin.Context) {
	var req RosterCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	res, err := h.ledger.CheckInRoster(c.Request.Context(), req.SubjectID, h.ledger.Today())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Guest godoc
// @Summary Check in a guest by name
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body GuestCheckInRequest true "Guest payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /guests [post]
func (h *AttendanceHandler) Guest(c *gin.Context) {
	var req GuestCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	res, err := h.ledger.GuestCheckIn(c.Request.Context(), req.Name, h.ledger.Today())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Record godoc
// @Summary Record an arbitrary attendance event
// @Description Records an event for any subject and status. Present events are deduplicated per day.
// @Tags Attendance
// @Accept json
// @Produce json
// @Security AdminPin
// @Param payload body service.CheckInRequest true "Event payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /attendance [post]
func (h *AttendanceHandler) Record(c *gin.Context) {
	var req service.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	res, err := h.ledger.CheckIn(c.Request.Context(), req, h.ledger.Today())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Today godoc
// @Summary Today's attendance events
// @Tags Attendance
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /attendance/today [get]
func (h *AttendanceHandler) Today(c *gin.Context) {
	today := h.ledger.Today()
	events, err := h.ledger.TodayEvents(c.Request.Context(), today)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "date", today.Format(models.DateLayout))
	middleware.SetMeta(c, "total", len(events))
	response.JSON(c, http.StatusOK, events, middleware.ExtractMeta(c))
}

// Board godoc
// @Summary Roster annotated with today's presence
// @Tags Attendance
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /attendance/board [get]
func (h *AttendanceHandler) Board(c *gin.Context) {
	board, err := h.ledger.Board(c.Request.Context(), h.ledger.Today())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, board, middleware.ExtractMeta(c))
}

// Present godoc
// @Summary Whether a subject is present today
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /attendance/present/{id} [get]
func (h *AttendanceHandler) Present(c *gin.Context) {
	today := h.ledger.Today()
	present, err := h.ledger.IsPresentToday(c.Request.Context(), c.Param("id"), today)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"subject_id": c.Param("id"),
		"date":       today.Format(models.DateLayout),
		"present":    present,
	})
}

// History godoc
// @Summary Filter the attendance log
// @Tags Attendance
// @Produce json
// @Security AdminPin
// @Param from query string false "First day (YYYY-MM-DD)"
// @Param to query string false "Last day (YYYY-MM-DD)"
// @Param subject_id query string false "Student ID"
// @Param status query string false "Present or Absent"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /attendance/history [get]
func (h *AttendanceHandler) History(c *gin.Context) {
	filter, err := parseEventFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	events, err := h.ledger.History(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, map[string]interface{}{"total": len(events)})
}

// MarkAbsences godoc
// @Summary Mark every roster subject not present today as Absent
// @Tags Attendance
// @Produce json
// @Security AdminPin
// @Success 200 {object} response.Envelope
// @Router /attendance/absences [post]
func (h *AttendanceHandler) MarkAbsences(c *gin.Context) {
	count, err := h.ledger.MarkAllAbsent(c.Request.Context(), h.ledger.Today())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"count": count, "message": absentMessage(count)})
}

// Retract godoc
// @Summary Retract one of today's attendance events
// @Tags Attendance
// @Accept json
// @Produce json
// @Security AdminPin
// @Param payload body service.RetractRequest true "Event to retract"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /attendance [delete]
func (h *AttendanceHandler) Retract(c *gin.Context) {
	var req service.RetractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	res, err := h.ledger.RetractTodayEntry(c.Request.Context(), req, h.ledger.Today())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Export godoc
// @Summary Download the raw attendance log
// @Tags Attendance
// @Produce text/csv
// @Security AdminPin
// @Success 200 {file} file
// @Router /attendance/export [get]
func (h *AttendanceHandler) Export(c *gin.Context) {
	writeExport(c, h.ledger)
}

// ExportLink godoc
// @Summary Create a signed download link for the attendance log
// @Tags Attendance
// @Produce json
// @Security AdminPin
// @Success 200 {object} response.Envelope
// @Router /attendance/export/link [post]
func (h *AttendanceHandler) ExportLink(c *gin.Context) {
	token, expiresAt, err := h.auth.DownloadLink(ExportResource)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "sign download link"))
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"url":        "/download.csv?token=" + url.QueryEscape(token),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// Report godoc
// @Summary Daily attendance report
// @Tags Attendance
// @Produce text/csv,application/pdf
// @Security AdminPin
// @Param date query string false "Day (YYYY-MM-DD), defaults to today"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /attendance/report [get]
func (h *AttendanceHandler) Report(c *gin.Context) {
	writeReport(c, h.ledger, h.reports, c.Query("format"))
}

func writeExport(c *gin.Context, ledger *service.AttendanceLedger) {
	var buf bytes.Buffer
	if err := ledger.ExportLog(c.Request.Context(), &buf); err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, ExportResource, "text/csv; charset=utf-8", buf.Bytes())
}

func writeReport(c *gin.Context, ledger *service.AttendanceLedger, reports *service.ReportService, format string) {
	day := ledger.Today()
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		parsed, err := models.ParseDate(raw)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid date"))
			return
		}
		day = parsed
	}
	report, err := reports.DailyReport(c.Request.Context(), day, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, report.Filename, report.ContentType, report.Body)
}

func parseEventFilter(c *gin.Context) (models.EventFilter, error) {
	var filter models.EventFilter
	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := strings.TrimSpace(c.Query(bound.key))
		if raw == "" {
			continue
		}
		parsed, err := models.ParseDate(raw)
		if err != nil {
			return filter, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, fmt.Sprintf("invalid %s date", bound.key))
		}
		*bound.dst = &parsed
	}
	filter.SubjectID = strings.TrimSpace(c.Query("subject_id"))
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := models.ParseAttendanceStatus(raw)
		if err != nil {
			return filter, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status")
		}
		filter.Status = &status
	}
	return filter, nil
}

func absentMessage(count int) string {
	return fmt.Sprintf("Marked %d students Absent for today.", count)
}
