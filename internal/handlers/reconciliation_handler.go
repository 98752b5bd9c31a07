package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/report"
	"sepa-collections-backend/internal/services/reconciliation"
)

type ReconciliationHandler struct {
	service *reconciliation.Service
	log     logrus.FieldLogger
}

func NewReconciliationHandler(s *reconciliation.Service, log logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{service: s, log: log}
}

// Sync pulls the condominium's new bank transactions and reconciles them.
func (h *ReconciliationHandler) Sync(c *gin.Context) {
	summary, err := h.service.ReconcileAccount(c.Request.Context(), c.Param("condominiumId"))
	if err != nil {
		respondError(c, h.log, "Sync", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Upload reconciles an uploaded CSV bank statement.
func (h *ReconciliationHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file required")
		return
	}
	defer file.Close()

	h.log.WithFields(logrus.Fields{
		"condominium_id": c.Param("condominiumId"),
		"file":           header.Filename,
		"size":           header.Size,
	}).Info("bank statement received")

	summary, err := h.service.ImportCSV(c.Request.Context(), c.Param("condominiumId"), header.Filename, file)
	if err != nil {
		respondError(c, h.log, "Upload", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": header.Filename, "summary": summary})
}

func (h *ReconciliationHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid run ID")
		return
	}
	run, err := h.service.GetRun(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "GetRun", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *ReconciliationHandler) ListTransactions(c *gin.Context) {
	accountID := c.Param("accountId")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}

	items, nextCursor, hasMore, err := h.service.ListTransactions(c.Request.Context(),
		accountID, c.Query("status"), c.Query("cursor"), limit, c.Query("search"))
	if err != nil {
		respondError(c, h.log, "ListTransactions", err)
		return
	}
	stats, err := h.service.GetAccountStats(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, h.log, "ListTransactions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"next_cursor": nextCursor,
		"has_more":    hasMore,
		"stats":       stats,
	})
}

// Export downloads the condominium's reconciliation workbook.
func (h *ReconciliationHandler) Export(c *gin.Context) {
	condominiumID := c.Param("condominiumId")
	var buf bytes.Buffer
	if err := h.service.Export(c.Request.Context(), condominiumID, &buf); err != nil {
		respondError(c, h.log, "Export", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%s.xlsx", condominiumID))
	c.Data(http.StatusOK, report.ContentType, buf.Bytes())
}

func (h *ReconciliationHandler) ReconcileTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid transaction ID")
		return
	}
	out, err := h.service.Reconcile(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "ReconcileTransaction", err)
		return
	}
	resp := gin.H{"status": out.Status, "transaction": out.Transaction, "match": out.Match, "confirmed": out.Confirmed}
	if out.Dispute != nil {
		resp["candidates"] = out.Dispute.Candidates
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ReconciliationHandler) ManualMatchTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid transaction ID")
		return
	}

	var payload struct {
		InstructionID string `json:"instruction_id" binding:"required"`
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	instructionID, err := uuid.Parse(payload.InstructionID)
	if err != nil {
		badRequest(c, "invalid instruction ID")
		return
	}

	out, err := h.service.ManualMatch(c.Request.Context(), id, instructionID, actor(c), payload.Reason)
	if err != nil {
		respondError(c, h.log, "ManualMatchTransaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction manually matched", "transaction": out.Transaction, "match": out.Match})
}

func (h *ReconciliationHandler) AuditTrail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid transaction ID")
		return
	}
	entries, err := h.service.AuditTrail(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "AuditTrail", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}
