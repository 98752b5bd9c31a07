// Package psp submits SEPA direct-debit batches to the payment service
// provider.
package psp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Submitter hands a batch file to the PSP. A nil error with Accepted=false is
// a definitive rejection; *TransportError means the outcome is unknown.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (Result, error)
}

type Submission struct {
	BatchID       uuid.UUID
	TenantID      string
	CondominiumID string
	ControlSum    int64
	Items         []Item
}

type Item struct {
	OwnerID   string
	Reference string
	MandateID string
	Amount    int64
}

// Sum adds item amounts in minor units.
func (s Submission) Sum() int64 {
	var total int64
	for _, it := range s.Items {
		total += it.Amount
	}
	return total
}

type Result struct {
	Accepted     bool
	PSPReference string
	ReasonCode   string
}

// TransportError covers network failures, timeouts and 5xx answers. The
// batch may or may not have reached the PSP.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("psp transport error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("psp transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedBatchError is a definitive PSP refusal. Rejected batches are never
// retried.
type RejectedBatchError struct {
	BatchID    uuid.UUID
	ReasonCode string
}

func (e *RejectedBatchError) Error() string {
	return fmt.Sprintf("batch %s rejected by psp: %s", e.BatchID, e.ReasonCode)
}
