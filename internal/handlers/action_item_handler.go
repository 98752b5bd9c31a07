package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/alerts"
	"sepa-collections-backend/internal/models"
)

type ActionItemHandler struct {
	service *alerts.Service
	log     logrus.FieldLogger
}

func NewActionItemHandler(s *alerts.Service, log logrus.FieldLogger) *ActionItemHandler {
	return &ActionItemHandler{service: s, log: log}
}

// List filters on status (default open), kind and condominium_id.
func (h *ActionItemHandler) List(c *gin.Context) {
	status := models.ActionItemStatus(c.DefaultQuery("status", string(models.ActionOpen)))
	items, err := h.service.List(c.Request.Context(), status,
		models.ActionItemKind(c.Query("kind")), c.Query("condominium_id"))
	if err != nil {
		respondError(c, h.log, "List", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *ActionItemHandler) Resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid action item ID")
		return
	}
	item, err := h.service.Resolve(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, h.log, "Resolve", err)
		return
	}
	c.JSON(http.StatusOK, item)
}
