package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Status tracks whether an installation scope is currently active.
type Status string

const (
	StatusActive      Status = "active"
	StatusUninstalled Status = "uninstalled"
)

// Installation records that the app is installed for a company or a single
// location under it. Location rows carry the company that owns them, which
// is how a location is mapped back to its company grant.
type Installation struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID     string       `gorm:"column:company_id;type:text;not null;index:ix_installations_scope,priority:1" json:"company_id"`
	LocationID    string       `gorm:"column:location_id;type:text;not null;default:'';index:ix_installations_scope,priority:2" json:"location_id,omitempty"`
	Status        Status       `gorm:"type:text;not null" json:"status"`
	InstalledAt   time.Time    `gorm:"column:installed_at;not null;default:CURRENT_TIMESTAMP" json:"installed_at"`
	UninstalledAt *time.Time   `gorm:"column:uninstalled_at" json:"uninstalled_at,omitempty"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Installation) TableName() string { return "installations" }

var (
	ErrInvalidCallback = errors.New("invalid_callback")
	ErrInvalidWebhook  = errors.New("invalid_webhook")
)

// InstallEvent is the app lifecycle webhook payload sent by the platform.
type InstallEvent struct {
	Type       string `json:"type"`
	CompanyID  string `json:"companyId"`
	LocationID string `json:"locationId"`
}

const (
	EventInstall   = "INSTALL"
	EventUninstall = "UNINSTALL"
)

type Service interface {
	// HandleCallback finishes the OAuth install flow: it exchanges the
	// authorization code, stores the grant and records the
	// installation scope.
	HandleCallback(ctx context.Context, code string) (*Installation, error)
	// HandleEvent applies an INSTALL or UNINSTALL webhook. Uninstall
	// archives the scope's credentials before deleting them.
	HandleEvent(ctx context.Context, event InstallEvent) error
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, inst *Installation) error
	Find(ctx context.Context, db *gorm.DB, companyID, locationID string) (*Installation, error)
	MarkUninstalled(ctx context.Context, db *gorm.DB, companyID, locationID string, at time.Time) error
	CompanyIDForLocation(ctx context.Context, db *gorm.DB, locationID string) (string, error)
}
