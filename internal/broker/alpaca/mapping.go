package alpaca

import (
	"errors"
	"fmt"
	"strings"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// mapStatus normalizes Alpaca order statuses onto the core lifecycle. The
// pre-terminal buckets (new, accepted, pending_*) all read as OPEN.
func mapStatus(status string) core.OrderStatus {
	switch strings.ToLower(status) {
	case "filled":
		return core.OrderStatusFilled
	case "partially_filled":
		return core.OrderStatusPartiallyFilled
	case "canceled", "done_for_day":
		return core.OrderStatusCancelled
	case "rejected", "stopped", "suspended":
		return core.OrderStatusRejected
	case "expired":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusOpen
	}
}

// classifyErr wraps SDK errors with the core sentinel that matches their
// cause so callers can classify with errors.Is.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		sentinel := sentinelForAPIError(apiErr)
		return fmt.Errorf("%s: %s: %w", op, apiErr.Message, sentinel)
	}
	return fmt.Errorf("%s: %v: %w", op, err, apperrors.ErrNetwork)
}

func sentinelForAPIError(apiErr *alpaca.APIError) error {
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return apperrors.ErrAuthenticationFailed
	case apiErr.StatusCode == 404:
		return apperrors.ErrOrderNotFound
	case apiErr.StatusCode == 429:
		return apperrors.ErrRateLimitExceeded
	case strings.Contains(msg, "insufficient qty") || strings.Contains(msg, "position"):
		return apperrors.ErrInsufficientPosition
	case strings.Contains(msg, "buying power") || strings.Contains(msg, "insufficient"):
		return apperrors.ErrInsufficientFunds
	case strings.Contains(msg, "market is closed") || strings.Contains(msg, "not open"):
		return apperrors.ErrMarketClosed
	case strings.Contains(msg, "symbol"):
		return apperrors.ErrInvalidSymbol
	case apiErr.StatusCode == 422:
		return apperrors.ErrOrderRejected
	case apiErr.StatusCode >= 500:
		return apperrors.ErrNetwork
	default:
		return apperrors.ErrOrderRejected
	}
}

func mapTIF(tif core.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case core.TIFIOC:
		return alpaca.IOC
	case core.TIFCls:
		return alpaca.CLS
	default:
		return alpaca.Day
	}
}

func mapSide(side core.OrderSide) alpaca.Side {
	if side == core.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func mapOrder(o *alpaca.Order) *core.ExecutedOrder {
	if o == nil {
		return nil
	}
	out := &core.ExecutedOrder{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.OrderSide(strings.ToUpper(string(o.Side))),
		FilledQty:     o.FilledQty,
		OrderType:     string(o.Type),
		Status:        mapStatus(string(o.Status)),
		CreatedAt:     o.CreatedAt,
	}
	if o.Qty != nil {
		out.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		out.AvgFillPrice = *o.FilledAvgPrice
	}
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		out.LimitPrice = &lp
	}
	return out
}
