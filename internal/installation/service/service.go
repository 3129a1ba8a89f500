package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
	obslogger "github.com/smallbiznis/conversa/internal/observability/logger"
	"github.com/smallbiznis/conversa/internal/platform"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        installationdomain.Repository
	Client      *platform.Client
	Credentials credentialdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        installationdomain.Repository
	client      *platform.Client
	credentials credentialdomain.Service
}

func New(p Params) installationdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("installation.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		client:      p.Client,
		credentials: p.Credentials,
	}
}

func (s *Service) HandleCallback(ctx context.Context, code string) (*installationdomain.Installation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", installationdomain.ErrInvalidCallback)
	}

	tok, err := s.client.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if tok.CompanyID == "" {
		return nil, fmt.Errorf("%w: token carries no company", installationdomain.ErrInvalidCallback)
	}

	if err := s.credentials.StoreGrant(ctx, tok); err != nil {
		return nil, err
	}

	inst := s.record(tok.CompanyID, tok.LocationID)
	if err := s.repo.Upsert(ctx, s.db, inst); err != nil {
		return nil, err
	}

	obslogger.WithContext(ctx, s.log).Info("app installed",
		zap.String("company_id", tok.CompanyID),
		zap.String("location_id", tok.LocationID),
	)
	return inst, nil
}

func (s *Service) HandleEvent(ctx context.Context, event installationdomain.InstallEvent) error {
	event.CompanyID = strings.TrimSpace(event.CompanyID)
	event.LocationID = strings.TrimSpace(event.LocationID)
	if event.CompanyID == "" {
		return fmt.Errorf("%w: missing companyId", installationdomain.ErrInvalidWebhook)
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("company_id", event.CompanyID),
		zap.String("location_id", event.LocationID),
	)

	switch strings.ToUpper(strings.TrimSpace(event.Type)) {
	case installationdomain.EventInstall:
		if err := s.repo.Upsert(ctx, s.db, s.record(event.CompanyID, event.LocationID)); err != nil {
			return err
		}
		log.Info("install recorded")
		return nil

	case installationdomain.EventUninstall:
		// archive first so the grant survives the delete for the
		// retention window
		if err := s.credentials.ArchiveAndDelete(ctx, event.CompanyID, event.LocationID); err != nil {
			return err
		}
		if err := s.repo.MarkUninstalled(ctx, s.db, event.CompanyID, event.LocationID, s.clock.Now().UTC()); err != nil {
			return err
		}
		log.Info("uninstall recorded")
		return nil

	default:
		return fmt.Errorf("%w: unknown event type %q", installationdomain.ErrInvalidWebhook, event.Type)
	}
}

func (s *Service) record(companyID, locationID string) *installationdomain.Installation {
	now := s.clock.Now().UTC()
	return &installationdomain.Installation{
		ID:          s.genID.Generate(),
		CompanyID:   companyID,
		LocationID:  locationID,
		Status:      installationdomain.StatusActive,
		InstalledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
