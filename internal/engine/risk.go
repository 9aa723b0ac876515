package engine

import (
	"fmt"

	"jib/internal/domain"
)

// RiskReason codes why the risk gate rejected an order.
type RiskReason string

const (
	RiskLiveTradingDisabled   RiskReason = "LiveTradingDisabled"
	RiskNoReferencePrice      RiskReason = "NoReferencePrice"
	RiskNotionalLimitExceeded RiskReason = "NotionalLimitExceeded"
	RiskPositionLimitExceeded RiskReason = "PositionLimitExceeded"
	RiskDailyLossExceeded     RiskReason = "DailyLossExceeded"
)

// Decision is the outcome of a risk evaluation.
type Decision struct {
	Allowed bool
	Reason  RiskReason
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func reject(reason RiskReason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// EvaluateRisk runs the pre-trade checks against a snapshot of derived
// state. It is a pure function: no I/O, no clock, no mutation, so the same
// inputs always produce the same decision.
//
// Checks short-circuit in a fixed order: live gate, reference price,
// per-order notional, resulting position size, daily loss. dailyPnL is the
// realized P&L for the current trading day (negative when losing).
func EvaluateRisk(intent domain.OrderIntent, snap domain.MarketSnapshot, limits domain.RiskLimits, dailyPnL float64) Decision {
	if snap.Mode == domain.ModeLive && !limits.AllowLiveTrading {
		return reject(RiskLiveTradingDisabled, "live trading is not enabled")
	}

	price := referencePrice(intent, snap)

	if limits.MaxOrderNotional > 0 {
		if price == 0 {
			return reject(RiskNoReferencePrice,
				"no price available to value the order against the notional limit")
		}
		if notional := intent.Qty * price; notional > limits.MaxOrderNotional {
			return reject(RiskNotionalLimitExceeded, fmt.Sprintf(
				"order notional %.2f exceeds limit %.2f", notional, limits.MaxOrderNotional))
		}
	}

	if limits.MaxPositionSize > 0 {
		current := snap.Positions[intent.Symbol].Qty
		resulting := current + signedQty(intent)
		if abs(resulting) > limits.MaxPositionSize {
			return reject(RiskPositionLimitExceeded, fmt.Sprintf(
				"resulting position %.0f exceeds limit %.0f", resulting, limits.MaxPositionSize))
		}
	}

	if limits.MaxDailyLoss > 0 && dailyPnL <= -limits.MaxDailyLoss {
		return reject(RiskDailyLossExceeded, fmt.Sprintf(
			"daily realized loss %.2f at or past limit %.2f", -dailyPnL, limits.MaxDailyLoss))
	}

	return allow()
}

// referencePrice values the order: the limit price when present, otherwise
// the last traded price from market data.
func referencePrice(intent domain.OrderIntent, snap domain.MarketSnapshot) float64 {
	if intent.Type == domain.OrderTypeLimit && intent.LimitPrice > 0 {
		return intent.LimitPrice
	}
	return snap.LastPrice(intent.Symbol)
}

func signedQty(intent domain.OrderIntent) float64 {
	if intent.Side == domain.OrderSideSell {
		return -intent.Qty
	}
	return intent.Qty
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
