package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoBrokerHub/brokergate/internal/middleware"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/service"
)

type DiagnosticsHandler struct {
	svc *service.DiagnosticsService
}

func NewDiagnosticsHandler(svc *service.DiagnosticsService) *DiagnosticsHandler {
	return &DiagnosticsHandler{svc: svc}
}

// Diagnose runs the full check battery for one connection. The endpoint
// always answers 200 with a structured report; problems live inside it.
func (h *DiagnosticsHandler) Diagnose(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)
	report := h.svc.DiagnoseConnection(c.Request.Context(), user.ID, c.Param("id"))
	c.JSON(http.StatusOK, report)
}

// DiagnoseAll runs the battery for every connection of the caller.
func (h *DiagnosticsHandler) DiagnoseAll(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)
	reports := h.svc.DiagnoseAll(c.Request.Context(), user.ID)
	c.JSON(http.StatusOK, reports)
}

// QuickHealth returns the one-word verdict from local state.
func (h *DiagnosticsHandler) QuickHealth(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)
	state := h.svc.QuickHealthCheck(c.Request.Context(), user.ID, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"connection_id": c.Param("id"), "state": state})
}
