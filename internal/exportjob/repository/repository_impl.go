package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() exportjobdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *exportjobdomain.ExportJob) error {
	return db.WithContext(ctx).Create(job).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*exportjobdomain.ExportJob, error) {
	var job exportjobdomain.ExportJob
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *repo) ListByLocation(ctx context.Context, db *gorm.DB, locationID string, offset, limit int) ([]exportjobdomain.ExportJob, int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&exportjobdomain.ExportJob{}).
		Where("location_id = ?", locationID).
		Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	var jobs []exportjobdomain.ExportJob
	err = db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, job *exportjobdomain.ExportJob) error {
	expected := job.Version

	tx := db.WithContext(ctx).
		Model(&exportjobdomain.ExportJob{}).
		Where("id = ? AND version = ?", job.ID, expected).
		Updates(map[string]any{
			"status":            job.Status,
			"processed_items":   job.ProcessedItems,
			"current_batch":     job.CurrentBatch,
			"cursor":            job.Cursor,
			"retry_count":       job.RetryCount,
			"error":             job.Error,
			"version":           expected + 1,
			"last_processed_at": job.LastProcessedAt,
			"updated_at":        job.UpdatedAt,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return exportjobdomain.ErrStaleJob
	}

	job.Version = expected + 1
	return nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, status exportjobdomain.Status, before time.Time) ([]exportjobdomain.ExportJob, error) {
	var jobs []exportjobdomain.ExportJob
	err := db.WithContext(ctx).
		Where("status = ? AND (last_processed_at IS NULL OR last_processed_at < ?) AND updated_at < ?",
			status, before, before).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
