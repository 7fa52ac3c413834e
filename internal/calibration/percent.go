package calibration

import "math"

// PercentToByte converts a percentage (0-100) to the 0-255 brightness domain.
// Halves round to even, so 10% is 26 and 30% is 76. Out of range input is clamped.
func PercentToByte(p float64) uint8 {
	if math.IsNaN(p) || p <= 0 {
		return 0
	}
	v := math.RoundToEven(p * 255 / 100)
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// ByteToPercent converts a 0-255 brightness to a percentage.
func ByteToPercent(b uint8) float64 {
	return float64(b) * 100 / 255
}
