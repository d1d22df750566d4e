package utils

import (
	"context"
	"time"
)

// SleepResult represents the outcome of a context-aware sleep operation.
type SleepResult int

const (
	// SleepCompleted indicates the sleep duration completed normally.
	SleepCompleted SleepResult = iota
	// SleepCancelled indicates the context was cancelled during sleep.
	SleepCancelled
	// SleepStopped indicates the stop channel was closed during sleep.
	SleepStopped
)

// SleepOrStop sleeps for the specified duration unless the context is cancelled
// or the stop channel is closed first. A nil stop channel is never selected.
func SleepOrStop(ctx context.Context, duration time.Duration, stop <-chan struct{}) SleepResult {
	if duration <= 0 {
		if ctx.Err() != nil {
			return SleepCancelled
		}

		return SleepCompleted
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return SleepCompleted
	case <-ctx.Done():
		return SleepCancelled
	case <-stop:
		return SleepStopped
	}
}
