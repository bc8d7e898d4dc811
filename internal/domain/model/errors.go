package model

import "errors"

// Error taxonomy shared by adapters and the sync service. Adapters wrap the
// underlying cause with one of these so callers can branch with errors.Is.
var (
	// ErrNetwork is transient and retry-eligible.
	ErrNetwork = errors.New("network error")
	// ErrValidation marks a malformed remote payload or record.
	ErrValidation = errors.New("validation error")
	// ErrStorage is a durable-store I/O failure.
	ErrStorage = errors.New("storage error")
	// ErrDataUnavailable means no tier could supply the data.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrInsufficientData means trends cannot be derived yet.
	ErrInsufficientData = errors.New("insufficient historical data")
)
