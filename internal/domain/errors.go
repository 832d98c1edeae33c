package domain

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrLedgerOperationFailed = errors.New("ledger operation failed")
	ErrAlreadyOpen           = errors.New("position already open")
	ErrNotFound              = errors.New("not found")
	ErrLockHeld              = errors.New("lock already held")
)
