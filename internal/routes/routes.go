package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/alerts"
	handler "sepa-collections-backend/internal/handlers"
	"sepa-collections-backend/internal/services/batch"
	"sepa-collections-backend/internal/services/mandate"
	"sepa-collections-backend/internal/services/payment"
	"sepa-collections-backend/internal/services/reconciliation"
)

// Services are the application services exposed over HTTP.
type Services struct {
	Tracker        *payment.Tracker
	Mandates       *mandate.Service
	Builder        *batch.Builder
	Reconciliation *reconciliation.Service
	Alerts         *alerts.Service
}

func RegisterRoutes(r *gin.Engine, s Services, log logrus.FieldLogger) {
	instructionHandler := handler.NewInstructionHandler(s.Tracker, log)
	mandateHandler := handler.NewMandateHandler(s.Mandates, log)
	batchHandler := handler.NewBatchHandler(s.Builder, log)
	reconHandler := handler.NewReconciliationHandler(s.Reconciliation, log)
	actionHandler := handler.NewActionItemHandler(s.Alerts, log)

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	instructions := api.Group("/instructions")
	instructions.POST("", instructionHandler.Schedule)
	instructions.POST("/upload", instructionHandler.Upload)
	instructions.GET("/:id", instructionHandler.Get)
	instructions.POST("/:id/reverse", instructionHandler.Reverse)

	mandates := api.Group("/mandates")
	mandates.POST("", mandateHandler.Register)
	mandates.POST("/:id/revoke", mandateHandler.Revoke)

	batches := api.Group("/batches")
	batches.POST("/build", batchHandler.Build)
	batches.GET("/:id", batchHandler.Get)
	batches.POST("/:id/cancel", batchHandler.Cancel)
	api.GET("/condominiums/:id/batches", batchHandler.ListForCondominium)

	api.POST("/psp/events", instructionHandler.PSPEvent)

	// Reconciliation
	recon := api.Group("/reconciliation")
	recon.GET("/accounts/:accountId/transactions", reconHandler.ListTransactions)
	recon.GET("/runs/:id", reconHandler.GetRun)
	recon.POST("/:condominiumId/sync", reconHandler.Sync)
	recon.POST("/:condominiumId/upload", reconHandler.Upload)
	recon.GET("/:condominiumId/export", reconHandler.Export)

	// Transaction-level routes
	tx := api.Group("/transactions")
	tx.POST("/:id/reconcile", reconHandler.ReconcileTransaction)
	tx.POST("/:id/match", reconHandler.ManualMatchTransaction)
	tx.GET("/:id/audit", reconHandler.AuditTrail)

	actions := api.Group("/action-items")
	actions.GET("", actionHandler.List)
	actions.POST("/:id/resolve", actionHandler.Resolve)
}
