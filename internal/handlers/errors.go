package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/bankfeed"
	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/lock"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/services/batch"
	"sepa-collections-backend/internal/services/mandate"
	"sepa-collections-backend/internal/services/payment"
	"sepa-collections-backend/internal/services/reconciliation"
)

var statusByError = []struct {
	err    error
	status int
}{
	{repository.ErrNotFound, http.StatusNotFound},
	{payment.ErrInstructionNotFound, http.StatusNotFound},
	{batch.ErrBatchNotFound, http.StatusNotFound},
	{reconciliation.ErrTransactionNotFound, http.StatusNotFound},
	{reconciliation.ErrNoAccount, http.StatusNotFound},
	{mandate.ErrMandateNotFound, http.StatusNotFound},

	{batch.ErrCondominiumBusy, http.StatusConflict},
	{batch.ErrBatchNotCancellable, http.StatusConflict},
	{lock.ErrNotObtained, http.StatusConflict},
	{payment.ErrInvalidTransition, http.StatusConflict},
	{payment.ErrDuplicateReference, http.StatusConflict},
	{reconciliation.ErrAlreadyMatched, http.StatusConflict},
	{mandate.ErrMandateConflict, http.StatusConflict},

	{payment.ErrInvalidCharge, http.StatusUnprocessableEntity},
	{reconciliation.ErrWrongCondominium, http.StatusUnprocessableEntity},
	{reconciliation.ErrAmountMismatch, http.StatusUnprocessableEntity},
	{mandate.ErrInvalidMandate, http.StatusUnprocessableEntity},
	{bankfeed.ErrInvalidStatement, http.StatusUnprocessableEntity},

	{reconciliation.ErrNoImporter, http.StatusServiceUnavailable},
}

// respondError maps service errors to HTTP status codes. Anything unknown is
// logged and reported as a 500 without its message.
func respondError(c *gin.Context, log logrus.FieldLogger, funcName string, err error) {
	var empty *batch.EmptyBatchError
	if errors.As(err, &empty) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "excluded": empty.Excluded})
		return
	}
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": err.Error()})
			return
		}
	}
	config.LogError(log, "handler", funcName, c.FullPath(), nil, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// actor names the operator behind a mutating call.
func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "operator"
}
