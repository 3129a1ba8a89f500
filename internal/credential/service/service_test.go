package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	"github.com/smallbiznis/conversa/internal/credential/repository"
	"github.com/smallbiznis/conversa/internal/platform"
	"github.com/smallbiznis/conversa/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeExchanger struct {
	refreshToken  platform.Token
	refreshErr    error
	refreshCalls  int
	derivedToken  platform.Token
	deriveErr     error
	deriveCalls   int
	lastUserType  string
	lastCompanyTk string
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken, userType string) (platform.Token, error) {
	f.refreshCalls++
	f.lastUserType = userType
	return f.refreshToken, f.refreshErr
}

func (f *fakeExchanger) DeriveLocationToken(ctx context.Context, companyToken, companyID, locationID string) (platform.Token, error) {
	f.deriveCalls++
	f.lastCompanyTk = companyToken
	tok := f.derivedToken
	if tok.LocationID == "" {
		tok.LocationID = locationID
	}
	if tok.CompanyID == "" {
		tok.CompanyID = companyID
	}
	return tok, f.deriveErr
}

type fakeCompanies struct {
	byLocation map[string]string
}

func (f *fakeCompanies) CompanyIDForLocation(ctx context.Context, locationID string) (string, error) {
	return f.byLocation[locationID], nil
}

type fixture struct {
	svc       credentialdomain.Service
	db        *gorm.DB
	repo      credentialdomain.Repository
	clock     *clock.FakeClock
	exchanger *fakeExchanger
	genID     *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(
		&credentialdomain.Credential{},
		&credentialdomain.ArchivedCredential{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	exchanger := &fakeExchanger{}
	repo := repository.Provide()

	svc := New(Params{
		DB:        dbConn,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fc,
		Repo:      repo,
		Exchanger: exchanger,
		Companies: &fakeCompanies{byLocation: map[string]string{"loc_1": "comp_1"}},
	})

	return &fixture{svc: svc, db: dbConn, repo: repo, clock: fc, exchanger: exchanger, genID: node}
}

func (f *fixture) seed(t *testing.T, companyID, locationID string, class credentialdomain.Class, access string, ttl time.Duration) {
	t.Helper()
	now := f.clock.Now()
	err := f.repo.Upsert(context.Background(), f.db, &credentialdomain.Credential{
		ID:           f.genID.Generate(),
		CompanyID:    companyID,
		LocationID:   locationID,
		Class:        class,
		AccessToken:  access,
		RefreshToken: "rt-" + access,
		ExpiresAt:    now.Add(ttl),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
}

func TestResolveFreshLocationCredential(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "loc-at", time.Hour)

	token, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.NoError(t, err)
	assert.Equal(t, "loc-at", token)
	assert.Equal(t, 0, f.exchanger.refreshCalls)
}

func TestResolveRenewsNearExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "stale-at", 3*time.Minute)
	f.exchanger.refreshToken = platform.Token{AccessToken: "fresh-at", RefreshToken: "fresh-rt", ExpiresIn: 86400}

	token, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.NoError(t, err)
	assert.Equal(t, "fresh-at", token)
	assert.Equal(t, 1, f.exchanger.refreshCalls)
	assert.Equal(t, "Location", f.exchanger.lastUserType)

	// renewed token is persisted
	cred, err := f.repo.FindActiveLocation(context.Background(), f.db, "loc_1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "fresh-at", cred.AccessToken)
}

func TestResolveDerivesFromCompany(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "", credentialdomain.ClassCompany, "comp-at", time.Hour)
	f.exchanger.derivedToken = platform.Token{AccessToken: "derived-at", RefreshToken: "derived-rt", ExpiresIn: 86400}

	token, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.NoError(t, err)
	assert.Equal(t, "derived-at", token)
	assert.Equal(t, 1, f.exchanger.deriveCalls)
	assert.Equal(t, "comp-at", f.exchanger.lastCompanyTk)

	// derived credential is stored for next time
	cred, err := f.repo.FindActiveLocation(context.Background(), f.db, "loc_1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, credentialdomain.ClassLocation, cred.Class)
}

func TestResolveRenewsCompanyBeforeDeriving(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "", credentialdomain.ClassCompany, "old-comp-at", 2*time.Minute)
	f.exchanger.refreshToken = platform.Token{AccessToken: "new-comp-at", RefreshToken: "new-comp-rt", ExpiresIn: 86400}
	f.exchanger.derivedToken = platform.Token{AccessToken: "derived-at", RefreshToken: "derived-rt", ExpiresIn: 86400}

	token, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.NoError(t, err)
	assert.Equal(t, "derived-at", token)
	assert.Equal(t, "Company", f.exchanger.lastUserType)
	assert.Equal(t, "new-comp-at", f.exchanger.lastCompanyTk)
}

func TestResolveNoCredential(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.ErrorIs(t, err, credentialdomain.ErrNoCredential)
}

func TestResolveUnknownLocation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "", credentialdomain.ClassCompany, "comp-at", time.Hour)

	_, err := f.svc.Resolve(context.Background(), "loc_unknown")
	assert.ErrorIs(t, err, credentialdomain.ErrNoCredential)
}

func TestRenewFailureFallsBackToDerivation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "", credentialdomain.ClassCompany, "comp-at", time.Hour)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "stale-at", time.Minute)
	f.exchanger.refreshErr = platform.ErrUnauthorized
	f.exchanger.derivedToken = platform.Token{AccessToken: "derived-at", RefreshToken: "derived-rt", ExpiresIn: 86400}

	token, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.NoError(t, err)
	assert.Equal(t, "derived-at", token)
}

func TestRenewAndDerivationFailureDeactivates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "", credentialdomain.ClassCompany, "comp-at", time.Hour)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "stale-at", time.Minute)
	f.exchanger.refreshErr = platform.ErrUnauthorized
	f.exchanger.deriveErr = platform.ErrUnauthorized

	_, err := f.svc.Resolve(context.Background(), "loc_1")
	assert.ErrorIs(t, err, credentialdomain.ErrUpstreamAuthExpired)

	cred, err := f.repo.FindActiveLocation(context.Background(), f.db, "loc_1")
	require.NoError(t, err)
	assert.Nil(t, cred, "failed credential must be deactivated")
}

func TestForceRenewIgnoresExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "still-valid", time.Hour)
	f.exchanger.refreshToken = platform.Token{AccessToken: "forced-at", RefreshToken: "forced-rt", ExpiresIn: 86400}

	token, err := f.svc.ForceRenew(context.Background(), "loc_1")
	assert.NoError(t, err)
	assert.Equal(t, "forced-at", token)
	assert.Equal(t, 1, f.exchanger.refreshCalls)
}

func TestStoreGrantClassifiesScope(t *testing.T) {
	f := newFixture(t)

	err := f.svc.StoreGrant(context.Background(), platform.Token{
		AccessToken: "at", RefreshToken: "rt", ExpiresIn: 86400,
		CompanyID: "comp_1",
	})
	require.NoError(t, err)

	company, err := f.repo.FindActive(context.Background(), f.db, "comp_1", "", credentialdomain.ClassCompany)
	require.NoError(t, err)
	require.NotNil(t, company)

	err = f.svc.StoreGrant(context.Background(), platform.Token{
		AccessToken: "at2", RefreshToken: "rt2", ExpiresIn: 86400,
		CompanyID: "comp_1", LocationID: "loc_1",
	})
	require.NoError(t, err)

	loc, err := f.repo.FindActiveLocation(context.Background(), f.db, "loc_1")
	require.NoError(t, err)
	require.NotNil(t, loc)
}

func TestArchiveAndDelete(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "", credentialdomain.ClassCompany, "comp-at", time.Hour)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "loc-at", time.Hour)

	require.NoError(t, f.svc.ArchiveAndDelete(context.Background(), "comp_1", ""))

	remaining, err := f.repo.ListByScope(context.Background(), f.db, "comp_1", "")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var archived int64
	require.NoError(t, f.db.Model(&credentialdomain.ArchivedCredential{}).Count(&archived).Error)
	assert.Equal(t, int64(2), archived)
}

func TestPurgeExpiredArchives(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "comp_1", "loc_1", credentialdomain.ClassLocation, "loc-at", time.Hour)
	require.NoError(t, f.svc.ArchiveAndDelete(context.Background(), "comp_1", "loc_1"))

	purged, err := f.svc.PurgeExpiredArchives(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged, "retention window not reached yet")

	f.clock.Advance(credentialdomain.ArchiveRetention + time.Hour)
	purged, err = f.svc.PurgeExpiredArchives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
