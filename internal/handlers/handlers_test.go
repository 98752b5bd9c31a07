package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/alerts"
	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/lock"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/queue"
	"sepa-collections-backend/internal/report"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/routes"
	"sepa-collections-backend/internal/services/batch"
	"sepa-collections-backend/internal/services/mandate"
	"sepa-collections-backend/internal/services/payment"
	"sepa-collections-backend/internal/services/reconciliation"
	"sepa-collections-backend/internal/testutil"
)

func newRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	log := testutil.Logger()
	alertService := alerts.NewService(repository.NewActionItemRepository(db), nil, log)
	tracker := payment.NewTracker(repository.NewInstructionRepository(db), repository.NewBatchRepository(db), log)
	qcfg := config.QueueConfig{Endpoint: "postgres", MaxRetries: 3, RetryBackoff: time.Second, MaxRetryBackoff: time.Minute, LockTTL: time.Minute, ClaimBatchSize: 10}

	r := gin.New()
	routes.RegisterRoutes(r, routes.Services{
		Tracker:  tracker,
		Mandates: mandate.NewService(db, log),
		Builder: batch.NewBuilder(batch.Deps{
			DB:      db,
			Tracker: tracker,
			Queue:   queue.New(db, qcfg, log),
			Locker:  lock.NewLocalLocker(),
			Alerts:  alertService,
			Log:     log,
			Config:  qcfg,
		}),
		Reconciliation: reconciliation.NewService(reconciliation.Deps{
			DB:      db,
			Tracker: tracker,
			Alerts:  alertService,
			Log:     log,
			Config:  config.ReconciliationConfig{FuzzyWindowDays: 5},
		}),
		Alerts: alertService,
	}, log)
	return r, db
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestScheduleAndBuild(t *testing.T) {
	r, db := newRouter(t)
	mandateID := testutil.SeedOwner(t, db, "condo-1", "owner-1", "Martin")

	charge := map[string]any{
		"tenant_id":      "tenant-1",
		"condominium_id": "condo-1",
		"owner_id":       "owner-1",
		"mandate_id":     mandateID,
		"reference":      "CHG-2024-01",
		"amount":         12550,
		"due_date":       "2024-01-05",
	}
	if w := do(r, http.MethodPost, "/api/instructions", charge); w.Code != http.StatusCreated {
		t.Fatalf("schedule: status %d body %s", w.Code, w.Body)
	}
	if w := do(r, http.MethodPost, "/api/instructions", charge); w.Code != http.StatusConflict {
		t.Fatalf("duplicate schedule: status %d, want 409", w.Code)
	}

	build := map[string]any{"condominium_id": "condo-1", "tenant_id": "tenant-1", "as_of": "2024-01-10"}
	w := do(r, http.MethodPost, "/api/batches/build", build)
	if w.Code != http.StatusCreated {
		t.Fatalf("build: status %d body %s", w.Code, w.Body)
	}
	var res struct {
		Batch models.SepaBatch `json:"batch"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode build: %v", err)
	}
	if res.Batch.Total != 12550 {
		t.Errorf("batch total = %d, want 12550", res.Batch.Total)
	}

	if w := do(r, http.MethodPost, "/api/batches/build", build); w.Code != http.StatusConflict {
		t.Errorf("second build: status %d, want 409 while a batch is open", w.Code)
	}

	if w := do(r, http.MethodPost, "/api/batches/"+res.Batch.ID.String()+"/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", w.Code, w.Body)
	}
	if w := do(r, http.MethodPost, "/api/batches/"+res.Batch.ID.String()+"/cancel", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: status %d, want 409", w.Code)
	}
}

func TestBuildWithNothingDue(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, http.MethodPost, "/api/batches/build", map[string]any{"condominium_id": "condo-1", "tenant_id": "tenant-1"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status %d, want 422", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	r, _ := newRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed id", http.MethodGet, "/api/instructions/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown instruction", http.MethodGet, "/api/instructions/00000000-0000-0000-0000-000000000001", nil, http.StatusNotFound},
		{"unknown batch", http.MethodGet, "/api/batches/00000000-0000-0000-0000-000000000001", nil, http.StatusNotFound},
		{"missing fields", http.MethodPost, "/api/instructions", map[string]any{"reference": "X"}, http.StatusBadRequest},
		{"psp event for unknown reference", http.MethodPost, "/api/psp/events", map[string]any{"reference": "NOPE", "kind": "settled"}, http.StatusNotFound},
		{"psp event with bad kind", http.MethodPost, "/api/psp/events", map[string]any{"reference": "NOPE", "kind": "lost"}, http.StatusBadRequest},
		{"sync without bank feed", http.MethodPost, "/api/reconciliation/condo-1/sync", nil, http.StatusServiceUnavailable},
		{"export without account", http.MethodGet, "/api/reconciliation/condo-1/export", nil, http.StatusNotFound},
		{"invalid iban", http.MethodPost, "/api/mandates", map[string]any{"mandate_id": "M1", "owner_id": "o1", "iban": "FR0000"}, http.StatusUnprocessableEntity},
		{"unknown mandate revoke", http.MethodPost, "/api/mandates/M404/revoke", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestPSPEventSettles(t *testing.T) {
	r, db := newRouter(t)
	mandateID := testutil.SeedOwner(t, db, "condo-1", "owner-1", "Martin")
	in := testutil.SeedInstruction(t, db, "condo-1", "owner-1", mandateID, 9000, "CHG-9", testutil.Date(2024, time.March, 1), models.InstructionSubmitted)

	ev := map[string]any{"reference": "CHG-9", "kind": "settled"}
	for i, wantApplied := range []bool{true, false} {
		w := do(r, http.MethodPost, "/api/psp/events", ev)
		if w.Code != http.StatusOK {
			t.Fatalf("event %d: status %d body %s", i, w.Code, w.Body)
		}
		var resp struct {
			Applied bool `json:"applied"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Applied != wantApplied {
			t.Errorf("event %d: applied = %v, want %v", i, resp.Applied, wantApplied)
		}
	}
	if got := testutil.Reload(t, db, in.ID).State; got != models.InstructionSettled {
		t.Errorf("state = %s, want settled", got)
	}
}

func TestExportContentType(t *testing.T) {
	r, db := newRouter(t)
	testutil.SeedAccount(t, db, "condo-1", "acc-1")

	w := do(r, http.MethodGet, "/api/reconciliation/condo-1/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != report.ContentType {
		t.Errorf("content type %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("empty workbook")
	}
}

func TestActionItemsDefaultToOpen(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, http.MethodGet, "/api/action-items", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}
