package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sepa-collections-backend/internal/models"
)

type BankTransactionRepository struct {
	db *gorm.DB
}

func NewBankTransactionRepository(db *gorm.DB) *BankTransactionRepository {
	return &BankTransactionRepository{db: db}
}

func (r *BankTransactionRepository) WithTx(tx *gorm.DB) *BankTransactionRepository {
	return &BankTransactionRepository{db: tx}
}

// InsertIfNew stores the transaction unless the account already has the same
// external id. Reports whether a row was written.
func (r *BankTransactionRepository) InsertIfNew(ctx context.Context, tx *models.BankTransaction) (bool, error) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.ReconciliationStatus == "" {
		tx.ReconciliationStatus = models.TxUnmatched
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(tx)
	return res.RowsAffected == 1, res.Error
}

func (r *BankTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	var tx models.BankTransaction
	if err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// ListUnmatched returns the account's unmatched lines, oldest first.
func (r *BankTransactionRepository) ListUnmatched(ctx context.Context, accountID string) ([]models.BankTransaction, error) {
	var rows []models.BankTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND reconciliation_status = ?", accountID, models.TxUnmatched).
		Order("transaction_date ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *BankTransactionRepository) ListByAccount(ctx context.Context, accountID string) ([]models.BankTransaction, error) {
	var rows []models.BankTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("transaction_date ASC").
		Find(&rows).Error
	return rows, err
}

// SetReconciliation moves a transaction out of one of the expected statuses.
func (r *BankTransactionRepository) SetReconciliation(ctx context.Context, id uuid.UUID, from []models.ReconciliationStatus, to models.ReconciliationStatus, matched *uuid.UUID, details datatypes.JSON) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.BankTransaction{}).
		Where("id = ? AND reconciliation_status IN ?", id, from).
		Updates(map[string]interface{}{
			"reconciliation_status": to,
			"matched_payment_id":    matched,
			"match_details":         details,
		})
	return res.RowsAffected == 1, res.Error
}

// ListTransactions pages through an account's transactions by id cursor.
func (r *BankTransactionRepository) ListTransactions(
	ctx context.Context,
	accountID string,
	status string,
	cursor string,
	limit int,
	search string,
) ([]models.BankTransaction, string, bool, error) {

	var txs []models.BankTransaction
	query := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Limit(limit + 1)

	if status != "" && status != "all" {
		query = query.Where("reconciliation_status = ?", status)
	}
	if cursor != "" {
		query = query.Where("id > ?", cursor)
	}
	if search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(description) LIKE ? OR LOWER(counterparty_name) LIKE ?", like, like)
	}

	if err := query.Find(&txs).Error; err != nil {
		return nil, "", false, err
	}

	hasMore := false
	var nextCursor string
	if len(txs) > limit {
		hasMore = true
		nextCursor = txs[limit-1].ID.String()
		txs = txs[:limit]
	}
	return txs, nextCursor, hasMore, nil
}

type AccountStats struct {
	Total       int64 `json:"total"`
	TotalAmount int64 `json:"total_amount"`

	MatchedCount int64 `json:"matched_count"`
	MatchedSum   int64 `json:"matched_sum"`

	DisputedCount int64 `json:"disputed_count"`
	DisputedSum   int64 `json:"disputed_sum"`

	UnmatchedCount int64 `json:"unmatched_count"`
	UnmatchedSum   int64 `json:"unmatched_sum"`
}

type statRow struct {
	Status string
	Count  int64
	Sum    int64
}

func (r *BankTransactionRepository) GetAccountStats(ctx context.Context, accountID string) (AccountStats, error) {
	var stats AccountStats
	var rows []statRow

	err := r.db.WithContext(ctx).Model(&models.BankTransaction{}).
		Where("account_id = ?", accountID).
		Select("reconciliation_status AS status, COUNT(*) AS count, COALESCE(SUM(amount),0) AS sum").
		Group("reconciliation_status").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}

	for _, row := range rows {
		stats.Total += row.Count
		stats.TotalAmount += row.Sum

		switch models.ReconciliationStatus(row.Status) {
		case models.TxMatched:
			stats.MatchedCount, stats.MatchedSum = row.Count, row.Sum
		case models.TxDisputed:
			stats.DisputedCount, stats.DisputedSum = row.Count, row.Sum
		case models.TxUnmatched:
			stats.UnmatchedCount, stats.UnmatchedSum = row.Count, row.Sum
		}
	}
	return stats, nil
}
