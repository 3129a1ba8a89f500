package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/smallbiznis/conversa/internal/config"
	"github.com/smallbiznis/conversa/internal/platform"
	pricingdomain "github.com/smallbiznis/conversa/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticResolver struct{ token string }

func (r staticResolver) Resolve(ctx context.Context, locationID string) (string, error) {
	return r.token, nil
}

func (r staticResolver) ForceRenew(ctx context.Context, locationID string) (string, error) {
	return r.token, nil
}

func newTestHolder(t *testing.T) *config.PricingConfigHolder {
	t.Helper()
	holder, err := config.NewPricingConfigHolder()
	require.NoError(t, err)
	return holder
}

func newTestService(t *testing.T, handler http.Handler) pricingdomain.Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := platform.NewClient(platform.Config{
		BaseURL:  srv.URL,
		TokenURL: srv.URL + "/oauth/token",
	}, zap.NewNop())

	return New(Params{
		Log:      zap.NewNop(),
		Client:   client,
		Executor: platform.NewExecutor(staticResolver{token: "tok"}, zap.NewNop()),
		Holder:   newTestHolder(t),
	})
}

func pricesHandler(fetches *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/marketplace/billing/prices" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prices":[
			{"meterId":"conversations","centsPrice":5,"currency":"USD"},
			{"meterId":"sms","centsPrice":3,"currency":"USD"},
			{"meterId":"email","centsPrice":1,"currency":"USD"}
		]}`))
	}
}

func TestEstimateSmallVolumeDiscount(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{"conversations": 850})
	require.NoError(t, err)

	assert.Equal(t, int64(850), est.TotalItems)
	assert.Equal(t, int64(4250), est.BaseCents)
	assert.Equal(t, 10, est.DiscountPercent)
	assert.Equal(t, int64(425), est.DiscountCents)
	assert.Equal(t, int64(3825), est.FinalCents)
}

func TestEstimateMidVolumeDiscount(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{
		"conversations": 1000,
		"sms":           400,
		"email":         100,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1500), est.TotalItems)
	// 1000*5 + 400*3 + 100*1
	assert.Equal(t, int64(6300), est.BaseCents)
	assert.Equal(t, 20, est.DiscountPercent)
	assert.Equal(t, est.BaseCents-est.DiscountCents, est.FinalCents)
}

func TestEstimateTopTierDiscount(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{"conversations": 2500})
	require.NoError(t, err)
	assert.Equal(t, 30, est.DiscountPercent)
}

func TestEstimateCachesPrices(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	for i := 0; i < 3; i++ {
		_, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{"sms": 10})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), fetches.Load())
}

func TestEstimateFallsBackOnUpstreamFailure(t *testing.T) {
	svc := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{"conversations": 10})
	require.NoError(t, err)
	// fallback price for conversations is 5 cents
	assert.Equal(t, int64(50), est.BaseCents)
}

func TestEstimateUnknownMeter(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	_, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{"faxes": 10})
	assert.ErrorIs(t, err, pricingdomain.ErrUnknownMeter)
}

func TestEstimateNothingToCharge(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	_, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{"conversations": 0})
	assert.ErrorIs(t, err, pricingdomain.ErrNothingToCharge)
}

func TestChargeAllMeters(t *testing.T) {
	var fetches atomic.Int64
	var charges []platform.ChargeRequest

	mux := http.NewServeMux()
	mux.Handle("/marketplace/billing/prices", pricesHandler(&fetches))
	mux.HandleFunc("/marketplace/billing/charges", func(w http.ResponseWriter, r *http.Request) {
		var req platform.ChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		charges = append(charges, req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(platform.ChargeReceipt{
			ChargeID: "ch_" + req.MeterID, MeterID: req.MeterID, AmountCents: req.AmountCents,
		})
	})

	svc := newTestService(t, mux)

	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{
		"conversations": 100,
		"sms":           50,
	})
	require.NoError(t, err)

	result, err := svc.Charge(context.Background(), est, "export 42")
	require.NoError(t, err)
	assert.Empty(t, result.FailedMeter)
	assert.Equal(t, map[string]string{
		"conversations": "ch_conversations",
		"sms":           "ch_sms",
	}, result.ChargeIDs)

	// deterministic meter order
	require.Len(t, charges, 2)
	assert.Equal(t, "conversations", charges[0].MeterID)
	assert.Equal(t, "sms", charges[1].MeterID)
	assert.NotEmpty(t, charges[0].IdempotencyKey)
}

func TestChargePartialFailureKeepsReceipts(t *testing.T) {
	var fetches atomic.Int64

	mux := http.NewServeMux()
	mux.Handle("/marketplace/billing/prices", pricesHandler(&fetches))
	mux.HandleFunc("/marketplace/billing/charges", func(w http.ResponseWriter, r *http.Request) {
		var req platform.ChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.MeterID == "sms" {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(platform.ChargeReceipt{ChargeID: "ch_" + req.MeterID})
	})

	svc := newTestService(t, mux)

	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{
		"conversations": 100,
		"sms":           50,
	})
	require.NoError(t, err)

	result, err := svc.Charge(context.Background(), est, "export 42")
	assert.ErrorIs(t, err, pricingdomain.ErrInsufficientFunds)
	assert.Equal(t, "sms", result.FailedMeter)
	assert.Equal(t, map[string]string{"conversations": "ch_conversations"}, result.ChargeIDs)
}

func TestEstimateDiscountFloorsTotalBase(t *testing.T) {
	var fetches atomic.Int64
	svc := newTestService(t, pricesHandler(&fetches))

	// 3*5 + 3*3 = 24 cents at 10%: the discount floors on the total
	// base (2 cents), not on the per-meter bases (1+0 cents).
	est, err := svc.Estimate(context.Background(), "loc_1", map[string]int64{
		"conversations": 3,
		"sms":           3,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(24), est.BaseCents)
	assert.Equal(t, 10, est.DiscountPercent)
	assert.Equal(t, int64(2), est.DiscountCents)
	assert.Equal(t, int64(22), est.FinalCents)

	amounts := est.MeterAmounts()
	assert.Equal(t, map[string]int64{"conversations": 13, "sms": 9}, amounts)
}

func TestMeterAmountsApplyDiscount(t *testing.T) {
	est := pricingdomain.Estimate{
		ItemCounts:      map[string]int64{"conversations": 850},
		CentsPrices:     map[string]int64{"conversations": 5},
		BaseCents:       4250,
		DiscountPercent: 10,
		DiscountCents:   425,
		FinalCents:      3825,
	}
	assert.Equal(t, map[string]int64{"conversations": 3825}, est.MeterAmounts())
}

func TestMeterAmountsSumToFinal(t *testing.T) {
	est := pricingdomain.Estimate{
		ItemCounts:      map[string]int64{"conversations": 3, "sms": 3, "email": 5},
		CentsPrices:     map[string]int64{"conversations": 5, "sms": 3, "email": 1},
		BaseCents:       29,
		DiscountPercent: 10,
		DiscountCents:   2,
		FinalCents:      27,
	}

	amounts := est.MeterAmounts()
	var sum int64
	for _, v := range amounts {
		sum += v
	}
	assert.Equal(t, est.FinalCents, sum)
}
