package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/bankfeed"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/services/batch"
)

type BatchHandler struct {
	builder *batch.Builder
	log     logrus.FieldLogger
}

func NewBatchHandler(b *batch.Builder, log logrus.FieldLogger) *BatchHandler {
	return &BatchHandler{builder: b, log: log}
}

func (h *BatchHandler) Build(c *gin.Context) {
	var payload struct {
		CondominiumID string `json:"condominium_id" binding:"required"`
		TenantID      string `json:"tenant_id" binding:"required"`
		AsOf          string `json:"as_of"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload")
		return
	}

	asOf := time.Now().UTC()
	if payload.AsOf != "" {
		d, err := bankfeed.ParseDate(payload.AsOf)
		if err != nil {
			badRequest(c, "invalid as_of date, expected yyyy-mm-dd")
			return
		}
		asOf = d
	}

	res, err := h.builder.BuildBatch(c.Request.Context(), payload.CondominiumID, payload.TenantID, asOf)
	if err != nil {
		respondError(c, h.log, "Build", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *BatchHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid batch ID")
		return
	}
	b, err := h.builder.GetBatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Get", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BatchHandler) ListForCondominium(c *gin.Context) {
	batches, err := h.builder.ListBatches(c.Request.Context(), c.Param("id"), models.BatchState(c.Query("state")))
	if err != nil {
		respondError(c, h.log, "ListForCondominium", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": batches})
}

func (h *BatchHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid batch ID")
		return
	}
	b, err := h.builder.CancelBatch(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, h.log, "Cancel", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "batch cancelled", "batch": b})
}
