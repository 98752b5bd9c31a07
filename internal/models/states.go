package models

// InstructionState is the lifecycle state of a PaymentInstruction.
type InstructionState string

const (
	InstructionDue       InstructionState = "due"
	InstructionBatched   InstructionState = "batched"
	InstructionSubmitted InstructionState = "submitted"
	InstructionSettled   InstructionState = "settled"
	InstructionReturned  InstructionState = "returned"
)

// IsTerminal reports whether no further transition can leave the state.
func (s InstructionState) IsTerminal() bool {
	return s == InstructionSettled || s == InstructionReturned
}

type MandateStatus string

const (
	MandateActive  MandateStatus = "active"
	MandateRevoked MandateStatus = "revoked"
)

// BatchState is the submission state of a SepaBatch.
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchSubmitted  BatchState = "submitted"
	BatchSettled    BatchState = "settled"
	BatchRejected   BatchState = "rejected"
	BatchFailed     BatchState = "failed"
	BatchCancelled  BatchState = "cancelled"
)

// IsOpen reports whether the batch still holds its instructions in Batched.
func (s BatchState) IsOpen() bool {
	return s == BatchPending || s == BatchProcessing
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobDead       JobStatus = "dead"
	JobCancelled  JobStatus = "cancelled"
)

type ReconciliationStatus string

const (
	TxUnmatched ReconciliationStatus = "unmatched"
	TxMatched   ReconciliationStatus = "matched"
	TxDisputed  ReconciliationStatus = "disputed"
)

type MatchConfidence string

const (
	ConfidenceExact  MatchConfidence = "exact"
	ConfidenceFuzzy  MatchConfidence = "fuzzy"
	ConfidenceManual MatchConfidence = "manual"
)

type ActionItemKind string

const (
	ActionBatchFailed            ActionItemKind = "batch_failed"
	ActionReconciliationDisputed ActionItemKind = "reconciliation_disputed"
	ActionMandateInvalid         ActionItemKind = "mandate_invalid"
	ActionJobPoisoned            ActionItemKind = "job_poisoned"
)

type ActionItemStatus string

const (
	ActionOpen     ActionItemStatus = "open"
	ActionResolved ActionItemStatus = "resolved"
)
