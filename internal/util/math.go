package util

import (
	"math"
)

// RoundToPrecision rounds a float64 to a specific number of decimal places
func RoundToPrecision(val float64, precision int) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// FloorToPrecision floors a float64 to a specific number of decimal places
func FloorToPrecision(val float64, precision int) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Floor(val*ratio) / ratio
}

// PercentChange returns the signed percentage change from base to val
func PercentChange(base, val float64) float64 {
	if base == 0 {
		return 0
	}
	return (val - base) / base * 100
}
