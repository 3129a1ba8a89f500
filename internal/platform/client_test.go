package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func jsonDecode(r *http.Request, out any) error {
	return json.NewDecoder(r.Body).Decode(out)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}, zap.NewNop())
	return c, srv
}

func TestExchangeCode(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-123", r.PostForm.Get("code"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":86400,"userType":"Company","companyId":"comp_1"}`))
	}))

	tok, err := c.ExchangeCode(context.Background(), "code-123")
	assert.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "Company", tok.UserType)
	assert.Equal(t, "comp_1", tok.CompanyID)
	assert.Empty(t, tok.LocationID)
}

func TestRefreshRejectedIsUnauthorized(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Refresh(context.Background(), "rt", "Location")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDeriveLocationTokenFillsScope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/locationToken", r.URL.Path)
		assert.Equal(t, "Bearer company-token", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "loc_9", r.PostForm.Get("locationId"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"loc-at","refresh_token":"loc-rt","expires_in":86400}`))
	}))

	tok, err := c.DeriveLocationToken(context.Background(), "company-token", "comp_1", "loc_9")
	assert.NoError(t, err)
	assert.Equal(t, "loc-at", tok.AccessToken)
	assert.Equal(t, "loc_9", tok.LocationID)
	assert.Equal(t, "comp_1", tok.CompanyID)
}

func TestCreateChargeInsufficientFunds(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))

	_, err := c.CreateCharge(context.Background(), "tok", ChargeRequest{MeterID: "sms", Quantity: 10})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCreateChargeSetsIdempotencyKey(t *testing.T) {
	var gotKey string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChargeRequest
		assert.NoError(t, jsonDecode(r, &req))
		gotKey = req.IdempotencyKey
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chargeId":"ch_1","meterId":"sms","amountCents":30}`))
	}))

	receipt, err := c.CreateCharge(context.Background(), "tok", ChargeRequest{MeterID: "sms", Quantity: 10})
	assert.NoError(t, err)
	assert.Equal(t, "ch_1", receipt.ChargeID)
	assert.NotEmpty(t, gotKey)
}

func TestSearchConversationsPagination(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/search", r.URL.Path)
		assert.Equal(t, "loc_1", r.URL.Query().Get("locationId"))
		assert.Equal(t, "cur_2", r.URL.Query().Get("cursor"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"conversations":[{"id":"conv_1","messageCount":4}],"nextCursor":"cur_3","total":120}`))
	}))

	page, err := c.SearchConversations(context.Background(), "tok",
		SearchFilters{LocationID: "loc_1"}, "cur_2", 50)
	assert.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, "cur_3", page.NextCursor)
	assert.Equal(t, int64(120), page.Total)
}

func TestCountItemsPerMeterSkipsZero(t *testing.T) {
	counts := ItemCounts{Conversations: 850, SMS: 0, Email: 12}
	perMeter := counts.PerMeter()
	assert.Equal(t, map[string]int64{"conversations": 850, "email": 12}, perMeter)
}
