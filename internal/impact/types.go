package impact

import "time"

// State holds the current session totals. Water and CO2 are always derived
// from Tokens.
type State struct {
	Tokens           int64   `json:"tokens"`
	WaterUsageLiters float64 `json:"waterUsageLiters"`
	CO2Grams         float64 `json:"co2Grams"`
}

// SessionRecord is an archived session.
type SessionRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Tokens           int64     `json:"tokens"`
	WaterUsageLiters float64   `json:"waterUsageLiters"`
	CO2Grams         float64   `json:"co2Grams"`
}

// DailyRecord accumulates tokens per calendar day (YYYY-MM-DD, local time).
type DailyRecord struct {
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}

// Snapshot is what subscribers receive after every mutation. Version grows
// monotonically, so a consumer can drop notifications that arrive out of
// order.
type Snapshot struct {
	State
	Sessions int       `json:"sessions"`
	Version  uint64    `json:"version"`
	At       time.Time `json:"at"`
}
