package platform

import (
	"context"

	"github.com/google/uuid"
)

// MeterPrice is the unit price of one billing meter as published by the
// upstream marketplace.
type MeterPrice struct {
	MeterID    string `json:"meterId"`
	CentsPrice int64  `json:"centsPrice"`
	Currency   string `json:"currency"`
}

type meterPricesResponse struct {
	Prices []MeterPrice `json:"prices"`
}

// ListMeterPrices fetches the current unit prices for all meters of the app.
func (c *Client) ListMeterPrices(ctx context.Context, token string) ([]MeterPrice, error) {
	var resp meterPricesResponse
	if err := c.getJSON(ctx, token, "/marketplace/billing/prices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Prices, nil
}

// ChargeRequest bills one meter against a location's wallet.
type ChargeRequest struct {
	MeterID  string `json:"meterId"`
	Quantity int64  `json:"quantity"`
	// AmountCents overrides the upstream's list price, carrying any
	// volume discount applied on our side.
	AmountCents int64  `json:"amountCents,omitempty"`
	Description string `json:"description"`
	// IdempotencyKey lets the upstream deduplicate retried charges.
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChargeReceipt is the upstream's acknowledgement of a wallet charge.
type ChargeReceipt struct {
	ChargeID    string `json:"chargeId"`
	MeterID     string `json:"meterId"`
	AmountCents int64  `json:"amountCents"`
}

// CreateCharge debits a location wallet for quantity units of a meter.
// Returns ErrInsufficientFunds when the wallet balance cannot cover it.
func (c *Client) CreateCharge(ctx context.Context, token string, req ChargeRequest) (ChargeReceipt, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var receipt ChargeReceipt
	if err := c.postJSON(ctx, token, "/marketplace/billing/charges", req, &receipt); err != nil {
		return ChargeReceipt{}, err
	}
	return receipt, nil
}
