package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoBrokerHub/brokergate/internal/middleware"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/service"
)

type OrderHandler struct {
	svc *service.ConnectionService
}

func NewOrderHandler(svc *service.ConnectionService) *OrderHandler {
	return &OrderHandler{svc: svc}
}

func (h *OrderHandler) Record(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "missing user context", nil))
		return
	}

	var req model.RecordOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	order, err := h.svc.RecordOrder(c.Request.Context(), user.ID, req)
	if err != nil {
		c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "order_id", order.ID)
	middleware.AddAuditContext(c, "connection_id", order.ConnectionID)
	c.JSON(http.StatusCreated, order)
}

func (h *OrderHandler) List(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	orders, err := h.svc.ListOrders(c.Request.Context(), user.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (h *OrderHandler) Get(c *gin.Context) {
	user := c.MustGet(middleware.ContextUserKey).(*model.User)

	order, err := h.svc.GetOrder(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, order)
}
