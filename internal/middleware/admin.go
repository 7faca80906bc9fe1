package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/response"
)

const (
	// ContextAdminKey is the gin context key storing admin claims.
	ContextAdminKey = "adminClaims"
	// AdminCookieName carries the web admin session.
	AdminCookieName = "admin_session"
	// AdminPinHeader lets API clients present the PIN directly.
	AdminPinHeader = "X-Admin-Pin"
)

// RequireAdmin protects API routes. A bearer token, the session cookie or
// the X-Admin-Pin header is accepted.
func RequireAdmin(auth *service.AdminAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pin := c.GetHeader(AdminPinHeader); pin != "" {
			if err := auth.VerifyPIN(pin); err != nil {
				response.Error(c, err)
				c.Abort()
				return
			}
			c.Set(ContextAdminKey, &models.AdminClaims{Role: models.AdminRole})
			c.Next()
			return
		}

		token, err := adminToken(c)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		claims, err := auth.ValidateToken(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(ContextAdminKey, claims)
		c.Next()
	}
}

// RequireAdminSession protects HTML routes, sending visitors without a valid
// session cookie back to the PIN form.
func RequireAdminSession(auth *service.AdminAuthService, loginPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims := AdminFromCookie(c, auth); claims != nil {
			c.Set(ContextAdminKey, claims)
			c.Next()
			return
		}
		c.Redirect(http.StatusSeeOther, loginPath)
		c.Abort()
	}
}

// AdminFromCookie returns the claims of a valid session cookie, or nil.
func AdminFromCookie(c *gin.Context, auth *service.AdminAuthService) *models.AdminClaims {
	cookie, err := c.Cookie(AdminCookieName)
	if err != nil || cookie == "" {
		return nil
	}
	claims, err := auth.ValidateToken(cookie)
	if err != nil {
		return nil
	}
	return claims
}

// IsAdmin reports whether the request passed an admin gate.
func IsAdmin(c *gin.Context) bool {
	_, ok := c.Get(ContextAdminKey)
	return ok
}

func adminToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
		}
		return parts[1], nil
	}
	if cookie, err := c.Cookie(AdminCookieName); err == nil && cookie != "" {
		return cookie, nil
	}
	return "", appErrors.ErrUnauthorized
}
