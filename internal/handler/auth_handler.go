package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/response"
)

// AdminLoginRequest carries the shared admin PIN.
type AdminLoginRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// AuthHandler wires HTTP endpoints to the admin gate.
type AuthHandler struct {
	auth *service.AdminAuthService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(auth *service.AdminAuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// AdminLogin godoc
// @Summary Unlock admin session
// @Description Exchange the admin PIN for a bearer token
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body AdminLoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/admin [post]
func (h *AuthHandler) AdminLogin(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	session, err := h.auth.Login(req.PIN)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session)
}
