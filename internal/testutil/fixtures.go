package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
)

// SeedOwner inserts an owner with an active mandate and returns the mandate id.
func SeedOwner(t *testing.T, db *gorm.DB, condominiumID, ownerID, lastName string) string {
	t.Helper()
	if err := db.Create(&models.Owner{
		ID:            ownerID,
		CondominiumID: condominiumID,
		FirstName:     "Test",
		LastName:      lastName,
	}).Error; err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	mandateID := "MND-" + ownerID
	if err := db.Create(&models.Mandate{
		MandateID:  mandateID,
		OwnerID:    ownerID,
		IBAN:       "FR7630006000011234567890189",
		BIC:        "AGRIFRPP",
		DebtorName: "Test " + lastName,
		SignedAt:   Date(2023, time.January, 10),
		Status:     models.MandateActive,
	}).Error; err != nil {
		t.Fatalf("seed mandate: %v", err)
	}
	return mandateID
}

// SeedInstruction inserts an instruction in the given state.
func SeedInstruction(t *testing.T, db *gorm.DB, condominiumID, ownerID, mandateID string, amount int64, reference string, due time.Time, state models.InstructionState) *models.PaymentInstruction {
	t.Helper()
	in := &models.PaymentInstruction{
		ID:            uuid.New(),
		TenantID:      "tenant-1",
		OwnerID:       ownerID,
		CondominiumID: condominiumID,
		Amount:        amount,
		Reference:     reference,
		MandateID:     mandateID,
		DueDate:       due,
		State:         state,
	}
	if err := db.Create(in).Error; err != nil {
		t.Fatalf("seed instruction %s: %v", reference, err)
	}
	return in
}

// SeedAccount links a condominium to a bank account.
func SeedAccount(t *testing.T, db *gorm.DB, condominiumID, accountID string) {
	t.Helper()
	if err := db.Create(&models.CondominiumAccount{
		CondominiumID: condominiumID,
		TenantID:      "tenant-1",
		AccountID:     accountID,
		IBAN:          fmt.Sprintf("FR76%s", accountID),
	}).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

// Reload reads an instruction back from the store.
func Reload(t *testing.T, db *gorm.DB, id uuid.UUID) *models.PaymentInstruction {
	t.Helper()
	var in models.PaymentInstruction
	if err := db.First(&in, "id = ?", id).Error; err != nil {
		t.Fatalf("reload instruction %s: %v", id, err)
	}
	return &in
}
