package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MarketType classifies a watched symbol. It is shown to the user but is not
// part of the symbol's identity.
type MarketType string

const (
	MarketStock  MarketType = "stock"
	MarketCrypto MarketType = "crypto"
)

// ParseMarketType validates a market type string.
func ParseMarketType(s string) (MarketType, error) {
	switch mt := MarketType(strings.ToLower(strings.TrimSpace(s))); mt {
	case MarketStock, MarketCrypto:
		return mt, nil
	default:
		return "", &ValidationError{Field: "asset_type", Reason: "must be stock or crypto"}
	}
}

// NormalizeSymbol returns the canonical form used as the watchlist key.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// WatchlistItem is a watched symbol with its alert configuration, as
// returned by the backend.
type WatchlistItem struct {
	ID                int64            `json:"id"`
	Symbol            string           `json:"symbol"`
	MarketType        MarketType       `json:"asset_type"`
	AlertEnabled      bool             `json:"alert_enabled"`
	AlertOnOverbought bool             `json:"alert_on_overbought"`
	AlertOnOversold   bool             `json:"alert_on_oversold"`
	AlertOnNeutral    bool             `json:"alert_on_neutral"`
	PriceAlertEnabled bool             `json:"price_alert_enabled"`
	AlertPriceAbove   *decimal.Decimal `json:"alert_price_above,omitempty"`
	AlertPriceBelow   *decimal.Decimal `json:"alert_price_below,omitempty"`
	CurrentPrice      *decimal.Decimal `json:"current_price,omitempty"`
	CreatedAt         string           `json:"created_at,omitempty"`
	UpdatedAt         string           `json:"updated_at,omitempty"`
}

// Preferences extracts the mutable alert settings of the item.
func (i WatchlistItem) Preferences() AlertPreferences {
	return AlertPreferences{
		AlertEnabled:      i.AlertEnabled,
		AlertOnOverbought: i.AlertOnOverbought,
		AlertOnOversold:   i.AlertOnOversold,
		AlertOnNeutral:    i.AlertOnNeutral,
		PriceAlertEnabled: i.PriceAlertEnabled,
		AlertPriceAbove:   i.AlertPriceAbove,
		AlertPriceBelow:   i.AlertPriceBelow,
	}
}

// AddFavoriteRequest is the body of POST /favorites.
type AddFavoriteRequest struct {
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"asset_type"`
}

// AlertPreferences is the body of PATCH /favorites/{id}. A nil threshold
// clears it on the server.
type AlertPreferences struct {
	AlertEnabled      bool             `json:"alert_enabled"`
	AlertOnOverbought bool             `json:"alert_on_overbought"`
	AlertOnOversold   bool             `json:"alert_on_oversold"`
	AlertOnNeutral    bool             `json:"alert_on_neutral"`
	PriceAlertEnabled bool             `json:"price_alert_enabled"`
	AlertPriceAbove   *decimal.Decimal `json:"alert_price_above"`
	AlertPriceBelow   *decimal.Decimal `json:"alert_price_below"`
}

// Validate rejects non-positive price thresholds.
func (p AlertPreferences) Validate() error {
	if p.AlertPriceAbove != nil && !p.AlertPriceAbove.IsPositive() {
		return &ValidationError{Field: "alert_price_above", Reason: "must be a positive number"}
	}
	if p.AlertPriceBelow != nil && !p.AlertPriceBelow.IsPositive() {
		return &ValidationError{Field: "alert_price_below", Reason: "must be a positive number"}
	}
	return nil
}
