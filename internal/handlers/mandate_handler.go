package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/bankfeed"
	"sepa-collections-backend/internal/services/mandate"
)

type MandateHandler struct {
	service *mandate.Service
	log     logrus.FieldLogger
}

func NewMandateHandler(s *mandate.Service, log logrus.FieldLogger) *MandateHandler {
	return &MandateHandler{service: s, log: log}
}

func (h *MandateHandler) Register(c *gin.Context) {
	var payload struct {
		MandateID     string `json:"mandate_id" binding:"required"`
		OwnerID       string `json:"owner_id" binding:"required"`
		CondominiumID string `json:"condominium_id"`
		FirstName     string `json:"first_name"`
		LastName      string `json:"last_name"`
		IBAN          string `json:"iban" binding:"required"`
		BIC           string `json:"bic"`
		DebtorName    string `json:"debtor_name"`
		SignedAt      string `json:"signed_at"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	var signed time.Time
	if payload.SignedAt != "" {
		d, err := bankfeed.ParseDate(payload.SignedAt)
		if err != nil {
			badRequest(c, "invalid signed_at date")
			return
		}
		signed = d
	}

	m, err := h.service.Register(c.Request.Context(), mandate.RegisterParams{
		MandateID:     payload.MandateID,
		OwnerID:       payload.OwnerID,
		CondominiumID: payload.CondominiumID,
		FirstName:     payload.FirstName,
		LastName:      payload.LastName,
		IBAN:          payload.IBAN,
		BIC:           payload.BIC,
		DebtorName:    payload.DebtorName,
		SignedAt:      signed,
	})
	if err != nil {
		respondError(c, h.log, "Register", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *MandateHandler) Revoke(c *gin.Context) {
	m, err := h.service.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, "Revoke", err)
		return
	}
	c.JSON(http.StatusOK, m)
}
