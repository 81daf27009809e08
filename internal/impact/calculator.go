package impact

// Ratios convert token counts into synthetic resource figures.
type Ratios struct {
	WaterPerToken float64 // liters
	CO2PerToken   float64 // grams
}

// DefaultRatios are the canonical conversion constants.
var DefaultRatios = Ratios{
	WaterPerToken: 0.0001,
	CO2PerToken:   0.02,
}

// Water returns liters of water for tokens.
func (r Ratios) Water(tokens int64) float64 {
	return float64(tokens) * r.WaterPerToken
}

// CO2 returns grams of CO2 for tokens.
func (r Ratios) CO2(tokens int64) float64 {
	return float64(tokens) * r.CO2PerToken
}

// State derives a full State from a token count.
func (r Ratios) State(tokens int64) State {
	return State{
		Tokens:           tokens,
		WaterUsageLiters: r.Water(tokens),
		CO2Grams:         r.CO2(tokens),
	}
}

func (r Ratios) orDefault() Ratios {
	if r == (Ratios{}) {
		return DefaultRatios
	}
	return r
}

// ToWater converts tokens with DefaultRatios.
func ToWater(tokens int64) float64 { return DefaultRatios.Water(tokens) }

// ToCO2 converts tokens with DefaultRatios.
func ToCO2(tokens int64) float64 { return DefaultRatios.CO2(tokens) }
