package model

import "time"

type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// TrendRecord is the change of one currency across the trailing window.
type TrendRecord struct {
	Currency      Currency  `json:"currency"`
	ChangePercent float64   `json:"change_percent"`
	Direction     Direction `json:"direction"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	StartRate     float64   `json:"start_rate"`
	EndRate       float64   `json:"end_rate"`
}

// TrendSet is always replaced wholesale.
type TrendSet map[Currency]TrendRecord
