package service

import "errors"

var (
	ErrInvalidCurrency  = errors.New("invalid currency")
	ErrDateOutOfRange   = errors.New("date is outside the retained history window")
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrInvalidAmount    = errors.New("invalid amount")
)
