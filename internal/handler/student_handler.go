package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/attendance-kiosk/internal/service"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/response"
)

// StudentHandler exposes roster endpoints.
type StudentHandler struct {
	ledger *service.AttendanceLedger
}

// NewStudentHandler constructs StudentHandler.
func NewStudentHandler(ledger *service.AttendanceLedger) *StudentHandler {
	return &StudentHandler{ledger: ledger}
}

// List godoc
// @Summary List roster
// @Tags Students
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /students [get]
func (h *StudentHandler) List(c *gin.Context) {
	roster, err := h.ledger.ListRoster(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roster, map[string]interface{}{"total": len(roster)})
}

// Create godoc
// @Summary Add roster entry
// @Tags Students
// @Accept json
// @Produce json
// @Security AdminPin
// @Param payload body service.AddRosterEntryRequest true "Roster entry"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /students [post]
func (h *StudentHandler) Create(c *gin.Context) {
	var req service.AddRosterEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	res, err := h.ledger.AddRosterEntry(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// Delete godoc
// @Summary Remove roster entry
// @Description Removes the first roster entry with the identifier. Logged attendance is kept.
// @Tags Students
// @Produce json
// @Security AdminPin
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id} [delete]
func (h *StudentHandler) Delete(c *gin.Context) {
	res, err := h.ledger.RemoveRosterEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}
