package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/middleware"
	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/repository"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

type kioskFixture struct {
	engine *gin.Engine
	ledger *service.AttendanceLedger
	auth   *service.AdminAuthService
	dir    string
}

func newKioskFixture(t *testing.T) *kioskFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	files, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)

	events := repository.NewCSVEventStore(files, "attendance.csv", repository.LogSchemaWithID, 5*time.Second, nil)
	roster := repository.NewJSONRosterStore(files, "students.json", repository.RosterFormatObject, 5*time.Second, nil)
	metrics := service.NewMetricsService()
	ledger := service.NewAttendanceLedger(events, roster, service.LedgerOptions{
		Seed:     repository.DefaultRoster(repository.RosterFormatObject),
		Location: time.UTC,
		Metrics:  metrics,
	})
	require.NoError(t, ledger.Bootstrap(testContext(t)))

	auth, err := service.NewAdminAuthService(config.AdminConfig{
		PIN:             "1234",
		SessionSecret:   "secret",
		SessionTTL:      time.Hour,
		DownloadLinkTTL: time.Minute,
	}, nil)
	require.NoError(t, err)

	engine := New(Dependencies{
		Config:  &config.Config{Env: config.EnvDevelopment, APIPrefix: "/api/v1"},
		Logger:  zap.NewNop(),
		Ledger:  ledger,
		Reports: service.NewReportService(ledger, nil),
		Auth:    auth,
		Metrics: metrics,
	})
	return &kioskFixture{engine: engine, ledger: ledger, auth: auth, dir: dir}
}

func (f *kioskFixture) do(t *testing.T, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *kioskFixture) adminCookie(t *testing.T) *http.Cookie {
	t.Helper()
	session, err := f.auth.Login("1234")
	require.NoError(t, err)
	return &http.Cookie{Name: middleware.AdminCookieName, Value: session.Token}
}

func form(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func flashFrom(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == "kiosk_flash" {
			return c
		}
	}
	return nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestWebCheckInFlow(t *testing.T) {
	f := newKioskFixture(t)

	w := f.do(t, form("/checkin/101", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	flash := flashFrom(w)
	require.NotNil(t, flash)

	page := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil), flash)
	assert.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "Welcome, Alice! You&#39;re marked Present.")
	assert.Contains(t, page.Body.String(), "Present Today")

	w = f.do(t, form("/checkin/101", nil))
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/", nil), flashFrom(w))
	assert.Contains(t, page.Body.String(), "Alice is already marked Present today.")
	assert.Contains(t, page.Body.String(), `class="flash err"`)

	w = f.do(t, form("/checkin/999", nil))
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/", nil), flashFrom(w))
	assert.Contains(t, page.Body.String(), "Student not found.")
}

func TestWebGuestCheckIn(t *testing.T) {
	f := newKioskFixture(t)

	w := f.do(t, form("/guest", url.Values{"name": {"Visiting Parent"}}))
	assert.Equal(t, http.StatusSeeOther, w.Code)

	present, err := f.ledger.IsPresentToday(testContext(t), "Visiting Parent", f.ledger.Today())
	require.NoError(t, err)
	assert.True(t, present)
}

func TestWebAdminRequiresPIN(t *testing.T) {
	f := newKioskFixture(t)

	page := f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Contains(t, page.Body.String(), "Enter Admin PIN")

	w := f.do(t, form("/admin", url.Values{"pin": {"0000"}}))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), flashFrom(w))
	assert.Contains(t, page.Body.String(), "Incorrect PIN.")

	w = f.do(t, form("/admin/add-student", url.Values{"sid": {"106"}, "name": {"Fay"}}))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	roster, err := f.ledger.ListRoster(testContext(t))
	require.NoError(t, err)
	assert.Len(t, roster, 5)

	w = f.do(t, form("/admin", url.Values{"pin": {"1234"}}))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.AdminCookieName {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), session)
	assert.Contains(t, page.Body.String(), "Add Student")
	assert.Contains(t, page.Body.String(), "/download.csv?token=")
}

func TestWebAdminActions(t *testing.T) {
	f := newKioskFixture(t)
	admin := f.adminCookie(t)

	w := f.do(t, form("/admin/add-student", url.Values{"sid": {"106"}, "name": {""}}), admin)
	page := f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "Please provide both ID and Name.")

	w = f.do(t, form("/admin/add-student", url.Values{"sid": {"101"}, "name": {"Another"}}), admin)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "That ID already exists.")

	w = f.do(t, form("/admin/add-student", url.Values{"sid": {"106"}, "name": {"Fay"}}), admin)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "Added Fay.")

	f.do(t, form("/checkin/101", nil))
	w = f.do(t, form("/admin/mark-missing-absent", nil), admin)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "Marked 5 students Absent for today.")

	today := f.ledger.Today().Format(models.DateLayout)
	w = f.do(t, form("/admin/retract", url.Values{"date": {today}, "sid": {"102"}, "status": {"Absent"}}), admin)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "Removed Bob from today&#39;s attendance.")

	w = f.do(t, form("/admin/retract", url.Values{"date": {"2001-01-01"}, "sid": {"102"}, "status": {"Absent"}}), admin)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "You can only remove entries from today&#39;s attendance.")

	w = f.do(t, form("/admin/delete/106", nil), admin)
	page = f.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil), admin, flashFrom(w))
	assert.Contains(t, page.Body.String(), "Deleted Fay.")

	report := f.do(t, httptest.NewRequest(http.MethodGet, "/admin/report.pdf", nil), admin)
	assert.Equal(t, http.StatusOK, report.Code)
	assert.Equal(t, "application/pdf", report.Header().Get("Content-Type"))
}

func TestDownloadRequiresSessionOrSignedLink(t *testing.T) {
	f := newKioskFixture(t)
	f.do(t, form("/checkin/101", nil))

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/download.csv", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/download.csv", nil), f.adminCookie(t))
	require.Equal(t, http.StatusOK, w.Code)
	onDisk, err := os.ReadFile(filepath.Join(f.dir, "attendance.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attendance.csv")

	token, _, err := f.auth.DownloadLink("attendance.csv")
	require.NoError(t, err)
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/download.csv?token="+url.QueryEscape(token), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRosterAndCheckIns(t *testing.T) {
	f := newKioskFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/students", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var roster []models.Subject
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &roster))
	require.Len(t, roster, 5)
	assert.Equal(t, models.Subject{ID: "101", Name: "Alice"}, roster[0])

	add := jsonRequest(t, http.MethodPost, "/api/v1/students", map[string]string{"id": "106", "name": "Fay"})
	w = f.do(t, add)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	add = jsonRequest(t, http.MethodPost, "/api/v1/students", map[string]string{"id": "106", "name": "Fay"})
	add.Header.Set(middleware.AdminPinHeader, "1234")
	w = f.do(t, add)
	assert.Equal(t, http.StatusCreated, w.Code)

	dup := jsonRequest(t, http.MethodPost, "/api/v1/students", map[string]string{"id": "106", "name": "Fay"})
	dup.Header.Set(middleware.AdminPinHeader, "1234")
	w = f.do(t, dup)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "That ID already exists.", decodeEnvelope(t, w).Error.Message)

	w = f.do(t, jsonRequest(t, http.MethodPost, "/api/v1/checkins", map[string]string{"subject_id": "106"}))
	require.Equal(t, http.StatusOK, w.Code)
	var res models.Result
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &res))
	assert.Equal(t, models.Result{OK: true, Message: "Welcome, Fay! You're marked Present."}, res)

	w = f.do(t, jsonRequest(t, http.MethodPost, "/api/v1/checkins", map[string]string{"subject_id": "106"}))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_CHECK_IN", decodeEnvelope(t, w).Error.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/attendance/present/106", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decodeEnvelope(t, w).Data), `"present":true`)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/attendance/today", nil))
	env := decodeEnvelope(t, w)
	assert.EqualValues(t, 1, env.Meta["total"])
	assert.Contains(t, env.Meta, "date")
}

func TestAPIAdminOperations(t *testing.T) {
	f := newKioskFixture(t)

	login := jsonRequest(t, http.MethodPost, "/api/v1/auth/admin", map[string]string{"pin": "1234"})
	w := f.do(t, login)
	require.Equal(t, http.StatusOK, w.Code)
	var session models.AdminSession
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &session))
	bearer := "Bearer " + session.Token

	f.do(t, jsonRequest(t, http.MethodPost, "/api/v1/checkins", map[string]string{"subject_id": "101"}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attendance/absences", nil)
	req.Header.Set("Authorization", bearer)
	w = f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decodeEnvelope(t, w).Data), `"count":4`)

	retract := jsonRequest(t, http.MethodDelete, "/api/v1/attendance", map[string]string{
		"date": f.ledger.Today().Format(models.DateLayout), "subject_id": "101", "status": "Present",
	})
	retract.Header.Set("Authorization", bearer)
	w = f.do(t, retract)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/attendance/history?status=Absent", nil)
	req.Header.Set("Authorization", bearer)
	w = f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, decodeEnvelope(t, w).Meta["total"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/attendance/history?from=yesterday", nil)
	req.Header.Set("Authorization", bearer)
	w = f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/attendance/report?format=csv", nil)
	req.Header.Set("Authorization", bearer)
	w = f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/students/105", nil)
	req.Header.Set("Authorization", bearer)
	w = f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/students/105", nil)
	req.Header.Set("Authorization", bearer)
	w = f.do(t, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newKioskFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	f.do(t, form("/checkin/101", nil))
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ledger_check_ins_total")
}
