package core

import "errors"

// Boundary validation errors. Operational errors live in pkg/errors.
var (
	ErrEmptySymbol         = errors.New("empty symbol")
	ErrNonPositiveQuantity = errors.New("quantity must be positive")
	ErrCloseRequiresSell   = errors.New("close type requires sell side")
)
