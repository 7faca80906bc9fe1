package handler

import (
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/middleware"
	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/response"
)

//go:embed templates/*.html
var templateFS embed.FS

var kioskTemplates = template.Must(template.New("kiosk").
	Funcs(template.FuncMap{"pathEscape": url.PathEscape}).
	ParseFS(templateFS, "templates/*.html"))

type indexPage struct {
	Title string
	Flash *Flash
	Board *models.Board
}

type adminPage struct {
	Title       string
	Flash       *Flash
	Authed      bool
	Today       string
	Roster      []models.Subject
	Events      []models.AttendanceEvent
	Summary     models.DailySummary
	DownloadURL string
}

// KioskHandler serves the server-rendered kiosk and admin pages. Every
// action redirects back with the ledger's message as a flash.
type KioskHandler struct {
	ledger       *service.AttendanceLedger
	reports      *service.ReportService
	auth         *service.AdminAuthService
	secureCookie bool
	logger       *zap.Logger
}

// NewKioskHandler constructs KioskHandler. secureCookie marks the session
// cookie Secure for TLS deployments.
func NewKioskHandler(ledger *service.AttendanceLedger, reports *service.ReportService, auth *service.AdminAuthService, secureCookie bool, logger *zap.Logger) *KioskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KioskHandler{ledger: ledger, reports: reports, auth: auth, secureCookie: secureCookie, logger: logger}
}

// Index renders the check-in board.
func (h *KioskHandler) Index(c *gin.Context) {
	page := indexPage{Title: "Attendance Kiosk", Flash: popFlash(c)}
	board, err := h.ledger.Board(c.Request.Context(), h.ledger.Today())
	if err != nil {
		h.logger.Error("render board", zap.Error(err))
		board = &models.Board{Date: h.ledger.Today().Format(models.DateLayout)}
		page.Flash = errorFlash(err)
	}
	page.Board = board
	h.render(c, "index", page)
}

// CheckIn records a roster tap.
func (h *KioskHandler) CheckIn(c *gin.Context) {
	res, err := h.ledger.CheckInRoster(c.Request.Context(), c.Param("id"), h.ledger.Today())
	h.flashResult(c, res, err)
	c.Redirect(http.StatusSeeOther, "/")
}

// Guest records a free-text check-in.
func (h *KioskHandler) Guest(c *gin.Context) {
	res, err := h.ledger.GuestCheckIn(c.Request.Context(), c.PostForm("name"), h.ledger.Today())
	h.flashResult(c, res, err)
	c.Redirect(http.StatusSeeOther, "/")
}

// Admin renders the PIN form or, with a valid session, the admin panel.
func (h *KioskHandler) Admin(c *gin.Context) {
	page := adminPage{Title: "Admin - Attendance", Flash: popFlash(c)}
	if middleware.AdminFromCookie(c, h.auth) == nil {
		h.render(c, "admin", page)
		return
	}

	ctx := c.Request.Context()
	today := h.ledger.Today()
	page.Authed = true
	page.Today = today.Format(models.DateLayout)

	summary, events, err := h.reports.DailySummary(ctx, today)
	if err != nil {
		page.Flash = errorFlash(err)
	}
	page.Summary, page.Events = summary, events
	if page.Roster, err = h.ledger.ListRoster(ctx); err != nil {
		page.Flash = errorFlash(err)
	}
	page.DownloadURL = "/download.csv"
	if token, _, err := h.auth.DownloadLink(ExportResource); err == nil {
		page.DownloadURL += "?token=" + url.QueryEscape(token)
	}
	h.render(c, "admin", page)
}

// Login checks the PIN and starts an admin session.
func (h *KioskHandler) Login(c *gin.Context) {
	session, err := h.auth.Login(c.PostForm("pin"))
	if err != nil {
		setFlash(c, flashError, appErrors.FromError(err).Message)
		c.Redirect(http.StatusSeeOther, "/admin")
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     middleware.AdminCookieName,
		Value:    session.Token,
		Path:     "/",
		MaxAge:   int(h.auth.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	c.Redirect(http.StatusSeeOther, "/admin")
}

// Logout clears the admin session.
func (h *KioskHandler) Logout(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{Name: middleware.AdminCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	c.Redirect(http.StatusSeeOther, "/admin")
}

// AddStudent adds a roster entry. The form requires both fields.
func (h *KioskHandler) AddStudent(c *gin.Context) {
	id := strings.TrimSpace(c.PostForm("sid"))
	name := strings.TrimSpace(c.PostForm("name"))
	if id == "" || name == "" {
		setFlash(c, flashError, "Please provide both ID and Name.")
		c.Redirect(http.StatusSeeOther, "/admin")
		return
	}
	res, err := h.ledger.AddRosterEntry(c.Request.Context(), service.AddRosterEntryRequest{ID: id, Name: name})
	h.flashResult(c, res, err)
	c.Redirect(http.StatusSeeOther, "/admin")
}

// DeleteStudent removes a roster entry.
func (h *KioskHandler) DeleteStudent(c *gin.Context) {
	res, err := h.ledger.RemoveRosterEntry(c.Request.Context(), c.Param("id"))
	h.flashResult(c, res, err)
	c.Redirect(http.StatusSeeOther, "/admin")
}

// MarkMissingAbsent appends Absent rows for everyone not present today.
func (h *KioskHandler) MarkMissingAbsent(c *gin.Context) {
	count, err := h.ledger.MarkAllAbsent(c.Request.Context(), h.ledger.Today())
	if err != nil {
		setFlash(c, flashError, appErrors.FromError(err).Message)
	} else {
		setFlash(c, flashOK, absentMessage(count))
	}
	c.Redirect(http.StatusSeeOther, "/admin")
}

// Retract removes one of today's events.
func (h *KioskHandler) Retract(c *gin.Context) {
	req := service.RetractRequest{
		Date:      c.PostForm("date"),
		SubjectID: c.PostForm("sid"),
		Status:    c.PostForm("status"),
	}
	res, err := h.ledger.RetractTodayEntry(c.Request.Context(), req, h.ledger.Today())
	h.flashResult(c, res, err)
	c.Redirect(http.StatusSeeOther, "/admin")
}

// Download streams the raw log to an admin session or a signed link holder.
func (h *KioskHandler) Download(c *gin.Context) {
	if middleware.AdminFromCookie(c, h.auth) == nil {
		if err := h.auth.VerifyDownloadLink(c.Query("token"), ExportResource); err != nil {
			response.Error(c, err)
			return
		}
	}
	writeExport(c, h.ledger)
}

// ReportPDF renders the daily report as PDF.
func (h *KioskHandler) ReportPDF(c *gin.Context) {
	writeReport(c, h.ledger, h.reports, service.ReportFormatPDF)
}

func (h *KioskHandler) flashResult(c *gin.Context, res *models.Result, err error) {
	if err != nil {
		setFlash(c, flashError, appErrors.FromError(err).Message)
		return
	}
	setFlash(c, flashOK, res.Message)
}

func errorFlash(err error) *Flash {
	return &Flash{Kind: flashError, Message: appErrors.FromError(err).Message}
}

func (h *KioskHandler) render(c *gin.Context, name string, data interface{}) {
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := kioskTemplates.ExecuteTemplate(c.Writer, name, data); err != nil {
		h.logger.Error("render template", zap.String("template", name), zap.Error(err))
	}
}
