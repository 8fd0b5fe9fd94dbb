package types

import "errors"

// Domain specific errors for the membership entitlement engine.
var (
	ErrNotFound   = errors.New("requested item not found")
	ErrConflict   = errors.New("item already exists or conflict")
	ErrBadRequest = errors.New("bad request")

	// ErrNoMembership distinguishes "subscriber has no membership at all"
	// from "has one, but it is over quota or expired".
	ErrNoMembership = errors.New("subscriber has no membership")

	// ErrQuotaExceeded is an expected denial, not a system fault.
	ErrQuotaExceeded = errors.New("usage quota exceeded for current period")

	// ErrPaymentDeclined aborts the operation; the membership is left untouched.
	ErrPaymentDeclined = errors.New("payment declined by provider")

	// ErrProviderUnavailable marks an outbound provider call that failed or
	// timed out. The operation is retriable.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)
