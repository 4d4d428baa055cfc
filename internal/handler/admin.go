package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/service"
)

// AdminHandler exposes the scheduler controls and the audit listing.
// Everything under it sits behind the admin key middleware.
type AdminHandler struct {
	poller *service.Poller
	audit  *service.AuditService
}

func NewAdminHandler(poller *service.Poller, audit *service.AuditService) *AdminHandler {
	return &AdminHandler{poller: poller, audit: audit}
}

// StartPolling re-arms a stopped scheduler and seeds tasks for every
// open order.
func (h *AdminHandler) StartPolling(c *gin.Context) {
	h.poller.Reset()
	if err := h.poller.StartPollingForOpenOrders(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "active_tasks": h.poller.ActiveCount()})
}

// StopPolling drains every task. Idempotent.
func (h *AdminHandler) StopPolling(c *gin.Context) {
	h.poller.StopAll()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// StartOrder starts polling one order.
func (h *AdminHandler) StartOrder(c *gin.Context) {
	orderID := c.Param("id")
	if err := h.poller.Start(orderID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "polling", "order_id": orderID})
}

// StopOrder stops polling one order.
func (h *AdminHandler) StopOrder(c *gin.Context) {
	orderID := c.Param("id")
	h.poller.Stop(orderID)
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "order_id": orderID})
}

// PollingStatus reports the scheduler state.
func (h *AdminHandler) PollingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stopped":      h.poller.Stopped(),
		"active_tasks": h.poller.ActiveCount(),
	})
}

// ListAudit returns recent audit entries, optionally filtered.
func (h *AdminHandler) ListAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	var fromPtr, toPtr *time.Time
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
		fromPtr = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
		toPtr = &t
	}

	records, err := h.audit.List(c.Request.Context(), c.Query("user_id"), limit, fromPtr, toPtr)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
