package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	transactiondomain "github.com/smallbiznis/conversa/internal/transaction/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() transactiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *transactiondomain.WalletTransaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*transactiondomain.WalletTransaction, error) {
	var txn transactiondomain.WalletTransaction
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&txn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repo) MarkCharged(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeIDs map[string]string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&transactiondomain.WalletTransaction{}).
		Where("id = ? AND status = ?", id, transactiondomain.StatusPending).
		Updates(map[string]any{
			"status":     transactiondomain.StatusCharged,
			"charge_ids": transactiondomain.ChargeIDsToJSON(chargeIDs),
			"updated_at": now,
		}).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeIDs map[string]string, cause string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&transactiondomain.WalletTransaction{}).
		Where("id = ? AND status = ?", id, transactiondomain.StatusPending).
		Updates(map[string]any{
			"status":     transactiondomain.StatusFailed,
			"charge_ids": transactiondomain.ChargeIDsToJSON(chargeIDs),
			"error":      cause,
			"updated_at": now,
		}).Error
}
