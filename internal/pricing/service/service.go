package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/smallbiznis/conversa/internal/cache"
	"github.com/smallbiznis/conversa/internal/config"
	obslogger "github.com/smallbiznis/conversa/internal/observability/logger"
	"github.com/smallbiznis/conversa/internal/observability/metrics"
	"github.com/smallbiznis/conversa/internal/platform"
	pricingdomain "github.com/smallbiznis/conversa/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Client   *platform.Client
	Executor *platform.Executor
	Holder   *config.PricingConfigHolder
	Metrics  *metrics.Metrics
}

type Service struct {
	log      *zap.Logger
	client   *platform.Client
	executor *platform.Executor
	holder   *config.PricingConfigHolder
	metrics  *metrics.Metrics

	prices  cache.Cache[string, map[string]int64]
	fetchMu sync.Mutex
}

func New(p Params) pricingdomain.Service {
	return &Service{
		log:      p.Log.Named("pricing.service"),
		client:   p.Client,
		executor: p.Executor,
		holder:   p.Holder,
		metrics:  p.Metrics,
		prices:   cache.NewTTLCache[string, map[string]int64](),
	}
}

func (s *Service) Estimate(ctx context.Context, locationID string, counts map[string]int64) (pricingdomain.Estimate, error) {
	prices, err := s.pricesFor(ctx, locationID)
	if err != nil {
		return pricingdomain.Estimate{}, err
	}

	est := pricingdomain.Estimate{
		LocationID:  locationID,
		ItemCounts:  make(map[string]int64, len(counts)),
		CentsPrices: make(map[string]int64, len(counts)),
	}

	for meterID, count := range counts {
		if count <= 0 {
			continue
		}
		price, ok := prices[meterID]
		if !ok {
			return pricingdomain.Estimate{}, pricingdomain.ErrUnknownMeter
		}
		est.ItemCounts[meterID] = count
		est.CentsPrices[meterID] = price
		est.TotalItems += count
		est.BaseCents += count * price
	}

	if est.TotalItems == 0 {
		return pricingdomain.Estimate{}, pricingdomain.ErrNothingToCharge
	}

	est.DiscountPercent = discountPercent(s.holder.Get().DiscountBreakpoints, est.TotalItems)
	est.DiscountCents = est.BaseCents * int64(est.DiscountPercent) / 100
	est.FinalCents = est.BaseCents - est.DiscountCents

	return est, nil
}

func (s *Service) Charge(ctx context.Context, est pricingdomain.Estimate, description string) (pricingdomain.ChargeResult, error) {
	result := pricingdomain.ChargeResult{ChargeIDs: make(map[string]string, len(est.ItemCounts))}
	amounts := est.MeterAmounts()

	for _, meterID := range sortedMeters(est.ItemCounts) {
		req := platform.ChargeRequest{
			MeterID:     meterID,
			Quantity:    est.ItemCounts[meterID],
			AmountCents: amounts[meterID],
			Description: description,
		}

		s.metrics.RecordChargeSubmitted(ctx, meterID)
		err := s.executor.Execute(ctx, est.LocationID, func(ctx context.Context, token string) error {
			receipt, err := s.client.CreateCharge(ctx, token, req)
			if err != nil {
				return err
			}
			result.ChargeIDs[meterID] = receipt.ChargeID
			return nil
		})
		if err != nil {
			result.FailedMeter = meterID
			s.metrics.RecordChargeFailed(ctx, meterID, chargeFailureReason(err))
			if errors.Is(err, platform.ErrInsufficientFunds) {
				err = pricingdomain.ErrInsufficientFunds
			}
			return result, err
		}
	}

	return result, nil
}

// pricesFor returns the cached meter prices for the location, fetching from
// the upstream when the cache entry expired. Upstream failures fall back to
// the configured prices so exports keep working during billing outages.
func (s *Service) pricesFor(ctx context.Context, locationID string) (map[string]int64, error) {
	if prices, ok := s.prices.Get(locationID); ok {
		return prices, nil
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if prices, ok := s.prices.Get(locationID); ok {
		return prices, nil
	}

	var listed []platform.MeterPrice
	err := s.executor.Execute(ctx, locationID, func(ctx context.Context, token string) error {
		var err error
		listed, err = s.client.ListMeterPrices(ctx, token)
		return err
	})
	if err != nil {
		if errors.Is(err, platform.ErrAuthenticationFailed) {
			return nil, err
		}
		obslogger.WithLocation(obslogger.WithContext(ctx, s.log), locationID).
			Warn("price fetch failed, using fallback prices", zap.Error(err))
		return s.holder.Get().FallbackCentsPrices, nil
	}

	prices := make(map[string]int64, len(listed))
	for _, p := range listed {
		prices[p.MeterID] = p.CentsPrice
	}
	if len(prices) == 0 {
		return s.holder.Get().FallbackCentsPrices, nil
	}

	s.prices.Set(locationID, prices, pricingdomain.PriceCacheTTL)
	return prices, nil
}

func discountPercent(breakpoints []config.DiscountBreakpoint, totalItems int64) int {
	for _, bp := range breakpoints {
		if totalItems < int64(bp.MinItems) {
			continue
		}
		if bp.MaxItems == nil || totalItems < int64(*bp.MaxItems) {
			return bp.Percent
		}
	}
	return 0
}

// sortedMeters fixes the charge order so retries hit meters deterministically.
func sortedMeters(counts map[string]int64) []string {
	meters := make([]string, 0, len(counts))
	for meterID := range counts {
		meters = append(meters, meterID)
	}
	sort.Strings(meters)
	return meters
}

func chargeFailureReason(err error) string {
	switch {
	case errors.Is(err, platform.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, platform.ErrAuthenticationFailed):
		return "authentication_failed"
	default:
		return "upstream_error"
	}
}
