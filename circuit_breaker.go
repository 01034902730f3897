package memcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerConfig returns a function that creates circuit breakers for servers.
// This is a helper for common use cases.
//
// Only failures that break the connection count against the server: invalid
// keys and callers giving up are not the server's fault.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[*binprot.Results] {
	return func(serverAddr string) *gobreaker.CircuitBreaker[*binprot.Results] {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: isServerHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("memcache: circuit breaker state changed", "server", name, "from", from.String(), "to", to.String())
			},
		}
		return gobreaker.NewCircuitBreaker[*binprot.Results](settings)
	}
}

func isServerHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return !binprot.ShouldCloseConnection(err)
}
