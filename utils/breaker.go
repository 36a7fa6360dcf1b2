package utils

import (
	"time"

	"github.com/sony/gobreaker"

	"trello-project/microservices/task-view-service/logging"
)

type BreakerSettings struct {
	Timeout     time.Duration
	MaxFailures uint32
	// IsSuccessful decides which errors count against the breaker. Nil counts every error.
	IsSuccessful func(err error) bool
}

// NewBreaker builds a circuit breaker for one downstream service and logs its
// state transitions.
func NewBreaker(name string, settings BreakerSettings) *gobreaker.CircuitBreaker {
	maxFailures := settings.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > maxFailures
		},
		IsSuccessful: settings.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Logger.Infof("Event ID: CIRCUIT_BREAKER_STATE_CHANGE, Description: Circuit Breaker '%s' changed from '%s' to '%s'", name, from.String(), to.String())
		},
	})
}
