package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status follows a wallet transaction from creation to settlement.
type Status string

const (
	StatusPending Status = "pending"
	StatusCharged Status = "charged"
	StatusFailed  Status = "failed"
)

// WalletTransaction records one priced export and the per-meter charges
// submitted against the location's wallet for it.
type WalletTransaction struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	LocationID          string            `gorm:"column:location_id;type:text;not null;index:ix_wallet_transactions_location" json:"location_id"`
	ItemCounts          datatypes.JSONMap `gorm:"column:item_counts;type:jsonb;not null;default:'{}'" json:"item_counts"`
	CentsPrices         datatypes.JSONMap `gorm:"column:cents_prices;type:jsonb;not null;default:'{}'" json:"cents_prices"`
	BaseAmountCents     int64             `gorm:"column:base_amount_cents;not null;default:0" json:"base_amount_cents"`
	DiscountPercent     int               `gorm:"column:discount_percent;not null;default:0" json:"discount_percent"`
	DiscountAmountCents int64             `gorm:"column:discount_amount_cents;not null;default:0" json:"discount_amount_cents"`
	FinalAmountCents    int64             `gorm:"column:final_amount_cents;not null;default:0" json:"final_amount_cents"`
	Status              Status            `gorm:"type:text;not null" json:"status"`
	ChargeIDs           datatypes.JSONMap `gorm:"column:charge_ids;type:jsonb;not null;default:'{}'" json:"charge_ids"`
	Error               string            `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (WalletTransaction) TableName() string { return "wallet_transactions" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *WalletTransaction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WalletTransaction, error)
	MarkCharged(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeIDs map[string]string, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeIDs map[string]string, cause string, now time.Time) error
}

// CountsToJSON converts per-meter integer maps into the stored JSON shape.
func CountsToJSON(counts map[string]int64) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range counts {
		out[k] = v
	}
	return out
}

// ChargeIDsToJSON converts per-meter receipt ids into the stored JSON shape.
func ChargeIDsToJSON(chargeIDs map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range chargeIDs {
		out[k] = v
	}
	return out
}
