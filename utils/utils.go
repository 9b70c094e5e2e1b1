package utils

import "math"

func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}

func ToPtr[T any](v T) *T {
	return &v
}

// DerefOr returns *ptr, or fallback when ptr is nil.
func DerefOr[T any](ptr *T, fallback T) T {
	if ptr == nil {
		return fallback
	}
	return *ptr
}

// Clamp01 limits a score to the [0, 1] range. NaN becomes 0.
func Clamp01(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
