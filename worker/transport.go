package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/wolfeidau/health-cache/telemetry"
)

// errCanceled marks a fetch abandoned by its caller.
var errCanceled = errors.New("worker: fetch canceled")

// breakerTransport fails fast for hosts that keep failing at the network level.
// Each host gets its own breaker; HTTP error statuses are successes to the breaker.
type breakerTransport struct {
	next     http.RoundTripper
	settings gobreaker.Settings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// BreakerSettings tunes the per-host circuit breakers of the network transport.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Zero means 30s.
	OpenTimeout time.Duration
}

func newBreakerTransport(base http.RoundTripper, s BreakerSettings, logger *slog.Logger) *breakerTransport {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	t := &breakerTransport{
		next:     telemetry.NewFetchTransport(base),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	t.settings = gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about the host.
			return err == nil || errors.Is(err, errCanceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Info("network breaker state change", "host", name, "from", from.String(), "to", to.String())
			telemetry.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
	}
	return t
}

func (t *breakerTransport) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[host]
	if !ok {
		s := t.settings
		s.Name = host
		cb = gobreaker.NewCircuitBreaker[*http.Response](s)
		t.breakers[host] = cb
	}
	return cb
}

// RoundTrip implements http.RoundTripper.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.breaker(req.URL.Host).Execute(func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil && req.Context().Err() != nil {
			return nil, errors.Join(errCanceled, err)
		}
		return resp, err
	})
}
