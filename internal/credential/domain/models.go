package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Class distinguishes company-wide grants from location-scoped ones.
type Class string

const (
	ClassCompany  Class = "Company"
	ClassLocation Class = "Location"
)

// Credential is a stored OAuth grant for a company or one of its locations.
// At most one active credential exists per (company, location, class) scope.
type Credential struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	CompanyID    string       `gorm:"column:company_id;type:text;not null;uniqueIndex:ux_credentials_scope_class,priority:1"`
	LocationID   string       `gorm:"column:location_id;type:text;not null;default:'';uniqueIndex:ux_credentials_scope_class,priority:2"`
	Class        Class        `gorm:"type:text;not null;uniqueIndex:ux_credentials_scope_class,priority:3"`
	AccessToken  string       `gorm:"column:access_token;type:text;not null"`
	RefreshToken string       `gorm:"column:refresh_token;type:text;not null"`
	ExpiresAt    time.Time    `gorm:"column:expires_at;not null"`
	Active       bool         `gorm:"not null;default:true"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "credentials" }

// ArchivedCredential is a retention copy of a credential kept after
// uninstall. ExpiresAt marks when the purge job may remove the row.
type ArchivedCredential struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	CredentialID   snowflake.ID `gorm:"column:credential_id;not null"`
	CompanyID      string       `gorm:"column:company_id;type:text;not null"`
	LocationID     string       `gorm:"column:location_id;type:text;not null;default:''"`
	Class          Class        `gorm:"type:text;not null"`
	AccessToken    string       `gorm:"column:access_token;type:text;not null"`
	RefreshToken   string       `gorm:"column:refresh_token;type:text;not null"`
	TokenExpiresAt time.Time    `gorm:"column:token_expires_at;not null"`
	ArchivedAt     time.Time    `gorm:"column:archived_at;not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt      time.Time    `gorm:"column:expires_at;not null;index:ix_archived_credentials_expires_at"`
}

// TableName sets the database table name.
func (ArchivedCredential) TableName() string { return "archived_credentials" }
