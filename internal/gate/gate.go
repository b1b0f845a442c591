// Package gate is the online-admission check in front of every command
// dispatch. Offline devices are rejected before any RPC is attempted, which
// both spares the platform a doomed call and gives the operator an immediate,
// accurate answer instead of a timed-out one.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/gateway"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/store"
)

type OnlineProber interface {
	IsOnline(ctx context.Context, deviceID string) (bool, error)
}

type Gate struct {
	prober   OnlineProber
	cache    *store.OnlineCache
	breaker  *gobreaker.CircuitBreaker
	cacheTTL time.Duration
}

// New builds a gate over the platform's online probe. cache may be nil; when
// present, probe results are cached for cacheTTL so command bursts against a
// device cost one probe. The breaker opens after repeated probe failures so a
// dead platform fails fast instead of stacking timeouts.
func New(prober OnlineProber, cache *store.OnlineCache, cacheTTL time.Duration) *Gate {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	return &Gate{
		prober: prober,
		cache:  cache,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "platform-online-probe",
			Interval: 60 * time.Second,
			Timeout:  15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		cacheTTL: cacheTTL,
	}
}

// Admit returns nil when the device may receive a command right now. An
// offline device yields gateway.ErrDeviceOffline; probe failures (including
// an open breaker) yield a wrapped error. In every non-nil case no RPC has
// been attempted.
func (g *Gate) Admit(ctx context.Context, greenhouseID, deviceID string) error {
	if g.cache != nil {
		online, found, err := g.cache.Get(ctx, deviceID)
		if err != nil {
			slog.Warn("online cache read failed", "device", deviceID, "error", err)
		} else if found {
			if !online {
				return gateway.ErrDeviceOffline
			}
			return nil
		}
	}

	res, err := g.breaker.Execute(func() (any, error) {
		return g.prober.IsOnline(ctx, deviceID)
	})
	if err != nil {
		return fmt.Errorf("online probe for %s: %w", deviceID, err)
	}
	online := res.(bool)

	if g.cache != nil {
		if err := g.cache.Set(ctx, deviceID, online, g.cacheTTL); err != nil {
			slog.Warn("online cache write failed", "device", deviceID, "error", err)
		}
	}
	if !online {
		return gateway.ErrDeviceOffline
	}
	return nil
}
