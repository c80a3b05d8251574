package apperrors

import "errors"

// Standardized execution-core errors. Kinds follow the error taxonomy of the
// run/trade lifecycle; callers classify with errors.Is.
var (
	// Broker-side
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInsufficientPosition  = errors.New("insufficient position")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrMarketClosed          = errors.New("market closed")
	ErrMarketDataUnavailable = errors.New("market data unavailable")

	// State-store conditional writes
	ErrStateConflict        = errors.New("state conflict")
	ErrRunNotFound          = errors.New("run not found")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrDuplicateRun         = errors.New("run already exists")
	ErrTradeAlreadyTerminal = errors.New("trade already terminal")
	ErrVersionConflict      = errors.New("version conflict")

	// Policy guards
	ErrCircuitBreakerOpen = errors.New("circuit breaker")
	ErrSellPhaseGuard     = errors.New("sell failures exceed threshold")

	// Strategy-level
	ErrStepTimeout    = errors.New("step wait timeout")
	ErrCancelTimeout  = errors.New("cancel confirmation timeout")
	ErrNoUsableQuote  = errors.New("no usable quote")
	ErrUnfilledMarket = errors.New("market order did not fill")
)

// IsTransient reports whether an error is worth retrying at the transport
// level. Conditional-write conflicts and policy guards are expected outcomes,
// never transient.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded):
		return true
	}
	return false
}
