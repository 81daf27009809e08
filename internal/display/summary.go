package display

import (
	"math"

	"github.com/goodtune/greengpt/internal/impact"
)

const (
	// LitersPerBottle is the size of the bottle used for water comparisons
	LitersPerBottle = 0.5

	// GramsCO2PerKm is the emission of an average car over one kilometre
	GramsCO2PerKm = 120.0

	// DefaultHighTokenWarning is the token count above which the summary
	// flags the session as near capacity
	DefaultHighTokenWarning = 80000
)

// Summary relates the session totals to everyday quantities.
type Summary struct {
	impact.State
	WaterBottles int64 `json:"waterBottles"`
	CarKm        int64 `json:"carKm"`
	NearCapacity bool  `json:"nearCapacity"`
}

// Summarize builds a Summary; threshold <= 0 uses DefaultHighTokenWarning.
func Summarize(s impact.State, threshold int64) Summary {
	if threshold <= 0 {
		threshold = DefaultHighTokenWarning
	}
	return Summary{
		State:        s,
		WaterBottles: int64(math.Round(s.WaterUsageLiters / LitersPerBottle)),
		CarKm:        int64(math.Round(s.CO2Grams / GramsCO2PerKm)),
		NearCapacity: s.Tokens > threshold,
	}
}
