package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	obslogger "github.com/smallbiznis/conversa/internal/observability/logger"
	"github.com/smallbiznis/conversa/internal/observability/metrics"
	"github.com/smallbiznis/conversa/internal/platform"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      credentialdomain.Repository
	Exchanger credentialdomain.Exchanger
	Companies credentialdomain.CompanyLookup
	Metrics   *metrics.Metrics
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      credentialdomain.Repository
	exchanger credentialdomain.Exchanger
	companies credentialdomain.CompanyLookup
	metrics   *metrics.Metrics
}

func New(p Params) credentialdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("credential.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		exchanger: p.Exchanger,
		companies: p.Companies,
		metrics:   p.Metrics,
	}
}

func (s *Service) Resolve(ctx context.Context, locationID string) (string, error) {
	cred, err := s.repo.FindActiveLocation(ctx, s.db, locationID)
	if err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	if cred != nil {
		if cred.ExpiresAt.After(now.Add(credentialdomain.ExpiryLookahead)) {
			return cred.AccessToken, nil
		}
		return s.renewLocation(ctx, cred)
	}

	derived, err := s.deriveFromCompany(ctx, locationID)
	if err != nil {
		return "", err
	}
	return derived.AccessToken, nil
}

func (s *Service) ForceRenew(ctx context.Context, locationID string) (string, error) {
	cred, err := s.repo.FindActiveLocation(ctx, s.db, locationID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		derived, err := s.deriveFromCompany(ctx, locationID)
		if err != nil {
			return "", err
		}
		return derived.AccessToken, nil
	}
	return s.renewLocation(ctx, cred)
}

// renewLocation refreshes a location credential, falling back to deriving a
// new one from the company grant when the refresh token itself is rejected.
func (s *Service) renewLocation(ctx context.Context, cred *credentialdomain.Credential) (string, error) {
	log := obslogger.WithLocation(obslogger.WithContext(ctx, s.log), cred.LocationID)

	tok, err := s.exchanger.Refresh(ctx, cred.RefreshToken, string(credentialdomain.ClassLocation))
	if err == nil {
		if err := s.storeToken(ctx, cred.CompanyID, cred.LocationID, credentialdomain.ClassLocation, tok); err != nil {
			return "", err
		}
		s.metrics.RecordCredentialRenewal(ctx, "refresh", "ok")
		return tok.AccessToken, nil
	}

	if !errors.Is(err, platform.ErrUnauthorized) {
		s.metrics.RecordCredentialRenewal(ctx, "refresh", "error")
		return "", err
	}

	log.Warn("refresh token rejected, re-deriving from company grant")
	derived, deriveErr := s.deriveFromCompany(ctx, cred.LocationID)
	if deriveErr == nil {
		return derived.AccessToken, nil
	}

	s.metrics.RecordCredentialRenewal(ctx, "refresh", "expired")
	if err := s.repo.Deactivate(ctx, s.db, cred.ID); err != nil {
		log.Error("deactivate credential", zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", credentialdomain.ErrUpstreamAuthExpired, deriveErr)
}

// deriveFromCompany mints a location credential from the company grant,
// renewing the company grant first when it is close to expiry.
func (s *Service) deriveFromCompany(ctx context.Context, locationID string) (*credentialdomain.Credential, error) {
	companyID, err := s.companies.CompanyIDForLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	if companyID == "" {
		return nil, credentialdomain.ErrNoCredential
	}

	company, err := s.repo.FindActive(ctx, s.db, companyID, "", credentialdomain.ClassCompany)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, credentialdomain.ErrNoCredential
	}

	now := s.clock.Now().UTC()
	companyToken := company.AccessToken
	if !company.ExpiresAt.After(now.Add(credentialdomain.ExpiryLookahead)) {
		tok, err := s.exchanger.Refresh(ctx, company.RefreshToken, string(credentialdomain.ClassCompany))
		if err != nil {
			s.metrics.RecordCredentialRenewal(ctx, "company_refresh", "error")
			if errors.Is(err, platform.ErrUnauthorized) {
				if derr := s.repo.Deactivate(ctx, s.db, company.ID); derr != nil {
					s.log.Error("deactivate company credential", zap.Error(derr))
				}
				return nil, fmt.Errorf("%w: company refresh rejected", credentialdomain.ErrUpstreamAuthExpired)
			}
			return nil, err
		}
		if err := s.storeToken(ctx, companyID, "", credentialdomain.ClassCompany, tok); err != nil {
			return nil, err
		}
		s.metrics.RecordCredentialRenewal(ctx, "company_refresh", "ok")
		companyToken = tok.AccessToken
	}

	tok, err := s.exchanger.DeriveLocationToken(ctx, companyToken, companyID, locationID)
	if err != nil {
		s.metrics.RecordCredentialRenewal(ctx, "derive", "error")
		if errors.Is(err, platform.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: location token derivation rejected", credentialdomain.ErrUpstreamAuthExpired)
		}
		return nil, err
	}

	if err := s.storeToken(ctx, companyID, locationID, credentialdomain.ClassLocation, tok); err != nil {
		return nil, err
	}
	s.metrics.RecordCredentialRenewal(ctx, "derive", "ok")

	return s.repo.FindActiveLocation(ctx, s.db, locationID)
}

func (s *Service) StoreGrant(ctx context.Context, tok platform.Token) error {
	class := credentialdomain.ClassCompany
	locationID := ""
	if tok.LocationID != "" {
		class = credentialdomain.ClassLocation
		locationID = tok.LocationID
	}
	if tok.CompanyID == "" {
		return credentialdomain.ErrNoCredential
	}
	return s.storeToken(ctx, tok.CompanyID, locationID, class, tok)
}

func (s *Service) storeToken(ctx context.Context, companyID, locationID string, class credentialdomain.Class, tok platform.Token) error {
	now := s.clock.Now().UTC()
	return s.repo.Upsert(ctx, s.db, &credentialdomain.Credential{
		ID:           s.genID.Generate(),
		CompanyID:    companyID,
		LocationID:   locationID,
		Class:        class,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (s *Service) ArchiveAndDelete(ctx context.Context, companyID, locationID string) error {
	now := s.clock.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		creds, err := s.repo.ListByScope(ctx, tx, companyID, locationID)
		if err != nil {
			return err
		}
		for i := range creds {
			cred := &creds[i]
			arch := &credentialdomain.ArchivedCredential{
				ID:             s.genID.Generate(),
				CredentialID:   cred.ID,
				CompanyID:      cred.CompanyID,
				LocationID:     cred.LocationID,
				Class:          cred.Class,
				AccessToken:    cred.AccessToken,
				RefreshToken:   cred.RefreshToken,
				TokenExpiresAt: cred.ExpiresAt,
				ArchivedAt:     now,
				ExpiresAt:      now.Add(credentialdomain.ArchiveRetention),
			}
			if err := s.repo.InsertArchive(ctx, tx, arch); err != nil {
				return err
			}
			if err := s.repo.Delete(ctx, tx, cred.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) PurgeExpiredArchives(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredArchives(ctx, s.db, s.clock.Now().UTC())
}
