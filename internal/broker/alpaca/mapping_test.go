package alpaca

import (
	"errors"
	"testing"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
)

func TestMapStatus(t *testing.T) {
	cases := []struct {
		in   string
		want core.OrderStatus
	}{
		{"new", core.OrderStatusOpen},
		{"accepted", core.OrderStatusOpen},
		{"pending_new", core.OrderStatusOpen},
		{"partially_filled", core.OrderStatusPartiallyFilled},
		{"filled", core.OrderStatusFilled},
		{"canceled", core.OrderStatusCancelled},
		{"pending_cancel", core.OrderStatusOpen},
		{"done_for_day", core.OrderStatusCancelled},
		{"rejected", core.OrderStatusRejected},
		{"expired", core.OrderStatusExpired},
		{"FILLED", core.OrderStatusFilled},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mapStatus(c.in), "status %q", c.in)
	}
}

func TestMapStatusPendingCancelIsNotTerminal(t *testing.T) {
	// A cancel acknowledgement is not a terminal state: the order can still
	// fill until the broker reports canceled, so cancel confirmation must
	// keep polling through it.
	got := mapStatus("pending_cancel")
	assert.Equal(t, core.OrderStatusOpen, got)
	assert.False(t, got.IsTerminal())
}

func TestClassifyErrAPIStatuses(t *testing.T) {
	cases := []struct {
		apiErr *alpaca.APIError
		want   error
	}{
		{&alpaca.APIError{StatusCode: 401, Message: "unauthorized"}, apperrors.ErrAuthenticationFailed},
		{&alpaca.APIError{StatusCode: 404, Message: "order not found"}, apperrors.ErrOrderNotFound},
		{&alpaca.APIError{StatusCode: 429, Message: "too many requests"}, apperrors.ErrRateLimitExceeded},
		{&alpaca.APIError{StatusCode: 403, Message: "insufficient buying power"}, apperrors.ErrAuthenticationFailed},
		{&alpaca.APIError{StatusCode: 422, Message: "insufficient qty available"}, apperrors.ErrInsufficientPosition},
		{&alpaca.APIError{StatusCode: 422, Message: "cost basis exceeds buying power"}, apperrors.ErrInsufficientFunds},
		{&alpaca.APIError{StatusCode: 422, Message: "invalid order"}, apperrors.ErrOrderRejected},
		{&alpaca.APIError{StatusCode: 503, Message: "upstream unavailable"}, apperrors.ErrNetwork},
	}
	for _, c := range cases {
		got := classifyErr("op", c.apiErr)
		assert.True(t, errors.Is(got, c.want), "status=%d msg=%q got %v", c.apiErr.StatusCode, c.apiErr.Message, got)
	}
}

func TestClassifyErrPlainErrorIsNetwork(t *testing.T) {
	got := classifyErr("op", errors.New("dial tcp: connection refused"))
	assert.True(t, errors.Is(got, apperrors.ErrNetwork))
}

func TestMapTIF(t *testing.T) {
	assert.Equal(t, alpaca.Day, mapTIF(core.TIFDay))
	assert.Equal(t, alpaca.IOC, mapTIF(core.TIFIOC))
	assert.Equal(t, alpaca.CLS, mapTIF(core.TIFCls))
}
