package installation

import (
	"context"

	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
	"github.com/smallbiznis/conversa/internal/installation/repository"
	"github.com/smallbiznis/conversa/internal/installation/service"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("installation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(newCompanyLookup),
)

type companyLookup struct {
	db   *gorm.DB
	repo installationdomain.Repository
}

func newCompanyLookup(db *gorm.DB, repo installationdomain.Repository) credentialdomain.CompanyLookup {
	return &companyLookup{db: db, repo: repo}
}

func (l *companyLookup) CompanyIDForLocation(ctx context.Context, locationID string) (string, error) {
	return l.repo.CompanyIDForLocation(ctx, l.db, locationID)
}
