package domain

import "github.com/shopspring/decimal"

// AlertSummary is a read-only digest of which alerts are active for an item.
// It is derived on demand and never stored.
type AlertSummary struct {
	HasMarketAlerts  bool     `json:"has_market_alerts"`
	HasPriceAlerts   bool     `json:"has_price_alerts"`
	HasAnyAlerts     bool     `json:"has_any_alerts"`
	MarketAlertTypes []string `json:"market_alert_types"`
	PriceAlertTypes  []string `json:"price_alert_types"`
}

// AlertSummary derives the alert digest from the item's current fields.
// Market alerts need the master switch plus at least one condition; price
// alerts need the price switch plus at least one positive threshold.
func (i WatchlistItem) AlertSummary() AlertSummary {
	market := []string{}
	if i.AlertEnabled {
		if i.AlertOnOverbought {
			market = append(market, "Overbought")
		}
		if i.AlertOnOversold {
			market = append(market, "Oversold")
		}
		if i.AlertOnNeutral {
			market = append(market, "Neutral")
		}
	}

	price := []string{}
	if i.PriceAlertEnabled {
		if isPositive(i.AlertPriceAbove) {
			price = append(price, "Above "+formatUSD(*i.AlertPriceAbove))
		}
		if isPositive(i.AlertPriceBelow) {
			price = append(price, "Below "+formatUSD(*i.AlertPriceBelow))
		}
	}

	hasMarket := len(market) > 0
	hasPrice := len(price) > 0
	return AlertSummary{
		HasMarketAlerts:  hasMarket,
		HasPriceAlerts:   hasPrice,
		HasAnyAlerts:     hasMarket || hasPrice,
		MarketAlertTypes: market,
		PriceAlertTypes:  price,
	}
}

func isPositive(d *decimal.Decimal) bool {
	return d != nil && d.IsPositive()
}

func formatUSD(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
