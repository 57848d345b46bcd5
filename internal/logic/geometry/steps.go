package geometry

import (
	"math"
	"time"
)

// PositionTable quantizes each character index to a motor step:
// index * stepsPerRotation / characterCount, truncated.
// Truncation matches how the flaps are printed; do not round.
func PositionTable(stepsPerRotation, characterCount int) []int {
	table := make([]int, characterCount)
	for i := range table {
		table[i] = i * stepsPerRotation / characterCount
	}
	return table
}

// Normalize wraps a step position into [0, stepsPerRotation).
func Normalize(position, stepsPerRotation int) int {
	if stepsPerRotation <= 0 {
		return 0
	}
	return ((position % stepsPerRotation) + stepsPerRotation) % stepsPerRotation
}

// ForwardDistance returns the number of forward steps from current to target.
// Drums only turn one way.
func ForwardDistance(current, target, stepsPerRotation int) int {
	return Normalize(target-current, stepsPerRotation)
}

// ClampRPM limits a requested speed to (0, maxRPM]. Non-positive requests
// mean "as fast as allowed".
func ClampRPM(rpm, maxRPM float64) float64 {
	if math.IsNaN(rpm) || rpm <= 0 || rpm > maxRPM {
		return maxRPM
	}
	return rpm
}

// StepDelay converts a drum speed into the minimum time between two steps.
func StepDelay(rpm float64, stepsPerRotation int) time.Duration {
	if rpm <= 0 || stepsPerRotation <= 0 {
		return 0
	}
	stepsPerSecond := rpm * float64(stepsPerRotation) / 60.0
	return time.Duration(float64(time.Second) / stepsPerSecond)
}
