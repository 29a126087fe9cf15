package domain

import "math"

// RoundMoney rounds a monetary value to 2 decimal places using
// round-half-up, matching the bank's currency precision.
func RoundMoney(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

// PercentOf computes pct% of base, rounded to currency precision.
func PercentOf(base, pct float64) float64 {
	return RoundMoney(base * pct / 100)
}
