package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/platform"
	"gorm.io/gorm"
)

// ExpiryLookahead is how close to expiry a token may get before it is
// renewed proactively instead of being handed out.
const ExpiryLookahead = 5 * time.Minute

// ArchiveRetention is how long archived credentials are kept before the
// purge job removes them.
const ArchiveRetention = 90 * 24 * time.Hour

var (
	ErrNoCredential        = errors.New("no_credential")
	ErrUpstreamAuthExpired = errors.New("upstream_auth_expired")
)

// CompanyLookup maps a location to the company that installed the app for
// it. Implemented by the installation repository.
type CompanyLookup interface {
	CompanyIDForLocation(ctx context.Context, locationID string) (string, error)
}

// Exchanger performs the upstream token flows the credential service needs.
// Implemented by the platform client.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken, userType string) (platform.Token, error)
	DeriveLocationToken(ctx context.Context, companyToken, companyID, locationID string) (platform.Token, error)
}

type Service interface {
	// Resolve returns a valid access token for the location, lazily
	// deriving a location credential from the company grant when none
	// exists yet.
	Resolve(ctx context.Context, locationID string) (string, error)
	// ForceRenew renews the location credential regardless of its
	// recorded expiry and returns the fresh access token.
	ForceRenew(ctx context.Context, locationID string) (string, error)
	// StoreGrant upserts a credential from a freshly exchanged token.
	StoreGrant(ctx context.Context, tok platform.Token) error
	// ArchiveAndDelete moves all credentials in scope to the archive
	// table before removing them. Empty locationID covers the whole
	// company.
	ArchiveAndDelete(ctx context.Context, companyID, locationID string) error
	// PurgeExpiredArchives removes archived credentials past retention
	// and reports how many rows were deleted.
	PurgeExpiredArchives(ctx context.Context) (int64, error)
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, cred *Credential) error
	FindActive(ctx context.Context, db *gorm.DB, companyID, locationID string, class Class) (*Credential, error)
	FindActiveLocation(ctx context.Context, db *gorm.DB, locationID string) (*Credential, error)
	Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListByScope(ctx context.Context, db *gorm.DB, companyID, locationID string) ([]Credential, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	InsertArchive(ctx context.Context, db *gorm.DB, arch *ArchivedCredential) error
	DeleteExpiredArchives(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)
}
