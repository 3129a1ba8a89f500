package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
	"github.com/smallbiznis/conversa/internal/installation/repository"
	"github.com/smallbiznis/conversa/internal/platform"
	"github.com/smallbiznis/conversa/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeCredentials struct {
	credentialdomain.Service

	grants   []platform.Token
	archived [][2]string
}

func (f *fakeCredentials) StoreGrant(ctx context.Context, tok platform.Token) error {
	f.grants = append(f.grants, tok)
	return nil
}

func (f *fakeCredentials) ArchiveAndDelete(ctx context.Context, companyID, locationID string) error {
	f.archived = append(f.archived, [2]string{companyID, locationID})
	return nil
}

type fixture struct {
	svc   installationdomain.Service
	db    *gorm.DB
	repo  installationdomain.Repository
	creds *fakeCredentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(
		&installationdomain.Installation{},
		&credentialdomain.Credential{},
	))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":86400,"userType":"Company","companyId":"comp_1"}`))
	}))
	t.Cleanup(srv.Close)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	creds := &fakeCredentials{}
	repo := repository.Provide()

	svc := New(Params{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repo,
		Client: platform.NewClient(platform.Config{
			BaseURL:      srv.URL,
			TokenURL:     srv.URL + "/oauth/token",
			ClientID:     "id",
			ClientSecret: "secret",
		}, zap.NewNop()),
		Credentials: creds,
	})

	return &fixture{svc: svc, db: dbConn, repo: repo, creds: creds}
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t)

	inst, err := f.svc.HandleCallback(context.Background(), "code-123")
	require.NoError(t, err)
	assert.Equal(t, "comp_1", inst.CompanyID)
	assert.Equal(t, installationdomain.StatusActive, inst.Status)
	require.Len(t, f.creds.grants, 1)
	assert.Equal(t, "at", f.creds.grants[0].AccessToken)

	stored, err := f.repo.Find(context.Background(), f.db, "comp_1", "")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestHandleCallbackMissingCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleCallback(context.Background(), "  ")
	assert.ErrorIs(t, err, installationdomain.ErrInvalidCallback)
}

func TestHandleInstallEvent(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleEvent(context.Background(), installationdomain.InstallEvent{
		Type:       installationdomain.EventInstall,
		CompanyID:  "comp_1",
		LocationID: "loc_1",
	})
	require.NoError(t, err)

	companyID, err := f.repo.CompanyIDForLocation(context.Background(), f.db, "loc_1")
	require.NoError(t, err)
	assert.Equal(t, "comp_1", companyID)
}

func TestHandleUninstallArchivesBeforeMarking(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.HandleEvent(context.Background(), installationdomain.InstallEvent{
		Type: installationdomain.EventInstall, CompanyID: "comp_1", LocationID: "loc_1",
	}))

	err := f.svc.HandleEvent(context.Background(), installationdomain.InstallEvent{
		Type: installationdomain.EventUninstall, CompanyID: "comp_1", LocationID: "loc_1",
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"comp_1", "loc_1"}}, f.creds.archived)

	inst, err := f.repo.Find(context.Background(), f.db, "comp_1", "loc_1")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, installationdomain.StatusUninstalled, inst.Status)
	assert.NotNil(t, inst.UninstalledAt)

	// uninstalled locations no longer resolve to a company
	companyID, err := f.repo.CompanyIDForLocation(context.Background(), f.db, "loc_1")
	require.NoError(t, err)
	assert.Empty(t, companyID)
}

func TestHandleEventUnknownType(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleEvent(context.Background(), installationdomain.InstallEvent{
		Type: "PING", CompanyID: "comp_1",
	})
	assert.ErrorIs(t, err, installationdomain.ErrInvalidWebhook)
}

func TestReinstallReactivates(t *testing.T) {
	f := newFixture(t)

	install := installationdomain.InstallEvent{
		Type: installationdomain.EventInstall, CompanyID: "comp_1", LocationID: "loc_1",
	}
	require.NoError(t, f.svc.HandleEvent(context.Background(), install))
	require.NoError(t, f.svc.HandleEvent(context.Background(), installationdomain.InstallEvent{
		Type: installationdomain.EventUninstall, CompanyID: "comp_1", LocationID: "loc_1",
	}))
	require.NoError(t, f.svc.HandleEvent(context.Background(), install))

	inst, err := f.repo.Find(context.Background(), f.db, "comp_1", "loc_1")
	require.NoError(t, err)
	assert.Equal(t, installationdomain.StatusActive, inst.Status)
	assert.Nil(t, inst.UninstalledAt)
}
