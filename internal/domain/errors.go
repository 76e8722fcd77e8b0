package domain

import "errors"

var (
	ErrSerializationFailure      = errors.New("serialization failure")
	ErrNotFound                  = errors.New("not found")
	ErrConflict                  = errors.New("conflict")
	ErrInvalidInput              = errors.New("invalid input")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrCancellationWindowExpired = errors.New("cancellation window expired")
	ErrAlreadyConfirmed          = errors.New("already confirmed")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrGeocodeUnavailable        = errors.New("geocode unavailable")
	ErrSettlementFailure         = errors.New("settlement failure")
)
