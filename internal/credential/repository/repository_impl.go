package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() credentialdomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, cred *credentialdomain.Credential) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credentials (id, company_id, location_id, class, access_token, refresh_token, expires_at, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (company_id, location_id, class) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		cred.ID,
		cred.CompanyID,
		cred.LocationID,
		cred.Class,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		cred.Active,
		cred.CreatedAt,
		cred.UpdatedAt,
	).Error
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, companyID, locationID string, class credentialdomain.Class) (*credentialdomain.Credential, error) {
	var cred credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, company_id, location_id, class, access_token, refresh_token, expires_at, active, created_at, updated_at
		 FROM credentials
		 WHERE company_id = ? AND location_id = ? AND class = ? AND active = TRUE`,
		companyID,
		locationID,
		class,
	).Scan(&cred).Error
	if err != nil {
		return nil, err
	}
	if cred.ID == 0 {
		return nil, nil
	}
	return &cred, nil
}

func (r *repo) FindActiveLocation(ctx context.Context, db *gorm.DB, locationID string) (*credentialdomain.Credential, error) {
	var cred credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, company_id, location_id, class, access_token, refresh_token, expires_at, active, created_at, updated_at
		 FROM credentials
		 WHERE location_id = ? AND class = ? AND active = TRUE`,
		locationID,
		credentialdomain.ClassLocation,
	).Scan(&cred).Error
	if err != nil {
		return nil, err
	}
	if cred.ID == 0 {
		return nil, nil
	}
	return &cred, nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credentials SET active = FALSE, updated_at = ? WHERE id = ?`,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) ListByScope(ctx context.Context, db *gorm.DB, companyID, locationID string) ([]credentialdomain.Credential, error) {
	query := `SELECT id, company_id, location_id, class, access_token, refresh_token, expires_at, active, created_at, updated_at
		 FROM credentials WHERE company_id = ?`
	args := []any{companyID}
	if locationID != "" {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}

	var creds []credentialdomain.Credential
	err := db.WithContext(ctx).Raw(query, args...).Scan(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM credentials WHERE id = ?`, id).Error
}

func (r *repo) InsertArchive(ctx context.Context, db *gorm.DB, arch *credentialdomain.ArchivedCredential) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO archived_credentials (id, credential_id, company_id, location_id, class, access_token, refresh_token, token_expires_at, archived_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		arch.ID,
		arch.CredentialID,
		arch.CompanyID,
		arch.LocationID,
		arch.Class,
		arch.AccessToken,
		arch.RefreshToken,
		arch.TokenExpiresAt,
		arch.ArchivedAt,
		arch.ExpiresAt,
	).Error
}

func (r *repo) DeleteExpiredArchives(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	tx := db.WithContext(ctx).Exec(
		`DELETE FROM archived_credentials WHERE expires_at <= ?`,
		before,
	)
	return tx.RowsAffected, tx.Error
}
