package models

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Owner{},
		&Mandate{},
		&CondominiumAccount{},
		&PaymentInstruction{},
		&InstructionTransition{},
		&SepaBatch{},
		&SepaBatchItem{},
		&BatchJob{},
		&BankTransaction{},
		&ReconciliationRun{},
		&ReconciliationMatch{},
		&MatchAuditLog{},
		&ActionItem{},
	}
}
