package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/internal/infrastructure/signal"
	apperrors "spatialsync/pkg/errors"
)

// Triggerer broadcasts a capture request.
type Triggerer interface {
	Trigger(ctx context.Context, source string) (domain.TriggerEvent, int, error)
}

// ClientLister reports the devices on the trigger channel.
type ClientLister interface {
	Clients() []signal.ClientInfo
}

type TriggerHandler struct {
	triggers Triggerer
	clients  ClientLister
	logger   *zap.SugaredLogger
}

var _ ports.TriggerHTTPHandler = (*TriggerHandler)(nil)

func NewTriggerHandler(triggers Triggerer, clients ClientLister, logger *zap.SugaredLogger) *TriggerHandler {
	return &TriggerHandler{triggers: triggers, clients: clients, logger: logger}
}

func (h *TriggerHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/trigger", h.Trigger)
	router.GET("/clients", h.Status)
}

func (h *TriggerHandler) Trigger(c *gin.Context) {
	event, clients, err := h.triggers.Trigger(c.Request.Context(), "http")
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "could not broadcast trigger", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "triggered",
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		"clients":   clients,
	})
}

func (h *TriggerHandler) Status(c *gin.Context) {
	clients := h.clients.Clients()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(clients),
		"clients": clients,
	})
}
