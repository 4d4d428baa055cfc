package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoBrokerHub/brokergate/internal/middleware"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/service"
)

type ConnectionHandler struct {
	svc *service.ConnectionService
}

func NewConnectionHandler(svc *service.ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{svc: svc}
}

func (h *ConnectionHandler) Create(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "missing user context", nil))
		return
	}

	var req model.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	conn, err := h.svc.Create(c.Request.Context(), user.ID, req)
	if err != nil {
		c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "connection_id", conn.ID)
	middleware.AddAuditContext(c, "broker", string(conn.Broker))
	c.JSON(http.StatusCreated, conn)
}

func (h *ConnectionHandler) CompleteAuth(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)
	connID := c.Param("id")

	var req model.CompleteAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	conn, err := h.svc.CompleteAuth(c.Request.Context(), user.ID, connID, req)
	if err != nil {
		c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "action", "complete_auth")
	middleware.AddAuditContext(c, "connection_id", connID)
	c.JSON(http.StatusOK, conn)
}

func (h *ConnectionHandler) List(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	conns, err := h.svc.List(c.Request.Context(), user.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conns)
}

func (h *ConnectionHandler) Get(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	conn, err := h.svc.Get(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *ConnectionHandler) Delete(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)
	connID := c.Param("id")

	if err := h.svc.Disconnect(c.Request.Context(), user.ID, connID); err != nil {
		c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "action", "disconnect")
	middleware.AddAuditContext(c, "connection_id", connID)
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (h *ConnectionHandler) Profile(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	profile, err := h.svc.Profile(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *ConnectionHandler) Positions(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	positions, err := h.svc.Positions(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (h *ConnectionHandler) Holdings(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	holdings, err := h.svc.Holdings(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, holdings)
}
