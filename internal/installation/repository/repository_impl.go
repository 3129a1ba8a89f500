package repository

import (
	"context"
	"time"

	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() installationdomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, inst *installationdomain.Installation) error {
	existing, err := r.Find(ctx, db, inst.CompanyID, inst.LocationID)
	if err != nil {
		return err
	}
	if existing == nil {
		return db.WithContext(ctx).Exec(
			`INSERT INTO installations (id, company_id, location_id, status, installed_at, uninstalled_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID,
			inst.CompanyID,
			inst.LocationID,
			inst.Status,
			inst.InstalledAt,
			inst.UninstalledAt,
			inst.CreatedAt,
			inst.UpdatedAt,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE installations
		 SET status = ?, installed_at = ?, uninstalled_at = NULL, updated_at = ?
		 WHERE company_id = ? AND location_id = ?`,
		inst.Status,
		inst.InstalledAt,
		inst.UpdatedAt,
		inst.CompanyID,
		inst.LocationID,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, companyID, locationID string) (*installationdomain.Installation, error) {
	var inst installationdomain.Installation
	err := db.WithContext(ctx).Raw(
		`SELECT id, company_id, location_id, status, installed_at, uninstalled_at, created_at, updated_at
		 FROM installations WHERE company_id = ? AND location_id = ?`,
		companyID,
		locationID,
	).Scan(&inst).Error
	if err != nil {
		return nil, err
	}
	if inst.ID == 0 {
		return nil, nil
	}
	return &inst, nil
}

func (r *repo) MarkUninstalled(ctx context.Context, db *gorm.DB, companyID, locationID string, at time.Time) error {
	query := `UPDATE installations SET status = ?, uninstalled_at = ?, updated_at = ? WHERE company_id = ?`
	args := []any{installationdomain.StatusUninstalled, at, at, companyID}
	if locationID != "" {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}
	return db.WithContext(ctx).Exec(query, args...).Error
}

func (r *repo) CompanyIDForLocation(ctx context.Context, db *gorm.DB, locationID string) (string, error) {
	var companyID string
	err := db.WithContext(ctx).Raw(
		`SELECT company_id FROM installations
		 WHERE location_id = ? AND status = ?`,
		locationID,
		installationdomain.StatusActive,
	).Scan(&companyID).Error
	if err != nil {
		return "", err
	}
	if companyID != "" {
		return companyID, nil
	}

	// fall back to the credential's own company when the location was
	// derived before any location-scoped install event arrived
	err = db.WithContext(ctx).Raw(
		`SELECT company_id FROM credentials
		 WHERE location_id = ? AND active = TRUE`,
		locationID,
	).Scan(&companyID).Error
	if err != nil {
		return "", err
	}
	return companyID, nil
}
