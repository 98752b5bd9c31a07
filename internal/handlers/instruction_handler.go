package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/bankfeed"
	"sepa-collections-backend/internal/services/payment"
)

type InstructionHandler struct {
	tracker *payment.Tracker
	log     logrus.FieldLogger
}

func NewInstructionHandler(t *payment.Tracker, log logrus.FieldLogger) *InstructionHandler {
	return &InstructionHandler{tracker: t, log: log}
}

// Schedule records one owner charge. Amount is in cents.
func (h *InstructionHandler) Schedule(c *gin.Context) {
	var payload struct {
		TenantID      string `json:"tenant_id" binding:"required"`
		CondominiumID string `json:"condominium_id" binding:"required"`
		OwnerID       string `json:"owner_id" binding:"required"`
		MandateID     string `json:"mandate_id" binding:"required"`
		Reference     string `json:"reference" binding:"required"`
		Amount        int64  `json:"amount" binding:"required"`
		DueDate       string `json:"due_date" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	due, err := bankfeed.ParseDate(payload.DueDate)
	if err != nil {
		badRequest(c, "invalid due date format, expected yyyy-mm-dd")
		return
	}

	in, err := h.tracker.Schedule(c.Request.Context(), payment.ScheduleParams{
		TenantID:      payload.TenantID,
		CondominiumID: payload.CondominiumID,
		OwnerID:       payload.OwnerID,
		MandateID:     payload.MandateID,
		Reference:     payload.Reference,
		Amount:        payload.Amount,
		DueDate:       due,
	})
	if err != nil {
		respondError(c, h.log, "Schedule", err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

// Upload schedules the charges of a CSV file.
func (h *InstructionHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file required")
		return
	}
	defer file.Close()

	res, err := h.tracker.ImportCharges(c.Request.Context(), file, c.PostForm("tenant_id"), c.PostForm("condominium_id"))
	if err != nil {
		respondError(c, h.log, "Upload", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": header.Filename, "result": res})
}

func (h *InstructionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid instruction ID")
		return
	}
	in, err := h.tracker.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Get", err)
		return
	}
	history, err := h.tracker.History(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruction": in, "history": history})
}

// Reverse sends a submitted instruction back to due.
func (h *InstructionHandler) Reverse(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid instruction ID")
		return
	}
	var payload struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "reason required")
		return
	}

	res, err := h.tracker.ManualReversal(c.Request.Context(), id, actor(c), payload.Reason)
	if err != nil {
		respondError(c, h.log, "Reverse", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruction": res.Instruction, "applied": res.Applied})
}

// PSPEvent receives settlement and return callbacks.
func (h *InstructionHandler) PSPEvent(c *gin.Context) {
	var ev payment.PSPEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, "invalid event")
		return
	}
	res, err := h.tracker.HandlePSPEvent(c.Request.Context(), ev)
	if err != nil {
		respondError(c, h.log, "PSPEvent", err)
		return
	}
	resp := gin.H{"instruction": res.Instruction, "applied": res.Applied}
	if res.Representment != nil {
		resp["representment"] = res.Representment
	}
	c.JSON(http.StatusOK, resp)
}
