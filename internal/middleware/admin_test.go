package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/attendance-kiosk/internal/service"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
)

func newTestAdminAuth(t *testing.T) *service.AdminAuthService {
	t.Helper()
	auth, err := service.NewAdminAuthService(config.AdminConfig{PIN: "1234", SessionSecret: "secret", SessionTTL: time.Hour}, nil)
	require.NoError(t, err)
	return auth
}

func adminAPIRouter(auth *service.AdminAuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", RequireAdmin(auth), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func TestRequireAdminAcceptsPinHeader(t *testing.T) {
	r := adminAPIRouter(newTestAdminAuth(t))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(AdminPinHeader, "1234")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(AdminPinHeader, "0000")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Incorrect PIN.")
}

func TestRequireAdminAcceptsBearerAndCookie(t *testing.T) {
	auth := newTestAdminAuth(t)
	r := adminAPIRouter(auth)
	session, err := auth.Login("1234")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: AdminCookieName, Value: session.Token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdminRejectsMissingOrMalformed(t *testing.T) {
	r := adminAPIRouter(newTestAdminAuth(t))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid authorization header")
}

func TestRequireAdminSessionRedirects(t *testing.T) {
	auth := newTestAdminAuth(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/admin/delete/:id", RequireAdminSession(auth, "/admin"), func(c *gin.Context) {
		assert.True(t, IsAdmin(c))
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/delete/101", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/admin", w.Header().Get("Location"))

	session, err := auth.Login("1234")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/delete/101", nil)
	req.AddCookie(&http.Cookie{Name: AdminCookieName, Value: session.Token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
