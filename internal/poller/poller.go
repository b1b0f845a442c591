// Package poller periodically reads device attributes from the platform and
// feeds them to the optimistic layer as ground truth. It is deliberately
// decoupled from dispatch: a failed poll never touches in-flight optimistic
// state, and a poll racing a dispatch resolution is resolved by whoever
// reconciles first.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/observability"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/store"
)

type AttributeReader interface {
	GetAttributes(ctx context.Context, deviceID string, keys []string) (map[string]any, error)
}

type Sink interface {
	ObserveGroundTruth(deviceID string, attrs map[string]any)
}

// Target is one device to poll.
type Target struct {
	GreenhouseID string
	DeviceID     string
	Keys         []string
}

type Poller struct {
	gw       AttributeReader
	sink     Sink
	cache    *store.AttrCache
	targets  []Target
	interval time.Duration
	debounce time.Duration

	mu         sync.Mutex
	deferUntil map[string]time.Time

	bo *backoff.ExponentialBackOff
}

func New(gw AttributeReader, sink Sink, cache *store.AttrCache, targets []Target, interval, debounce time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 8 * interval
	bo.MaxElapsedTime = 0 // never give up, the loop owns its lifetime
	bo.Reset()
	return &Poller{
		gw:         gw,
		sink:       sink,
		cache:      cache,
		targets:    targets,
		interval:   interval,
		debounce:   debounce,
		deferUntil: map[string]time.Time{},
		bo:         bo,
	}
}

// Defer pushes a device's next fetch past the debounce window. Called right
// after a dispatch so the platform has time to reflect the command before the
// next read; without it the first poll almost always returns the old value.
func (p *Poller) Defer(deviceID string) {
	p.mu.Lock()
	p.deferUntil[deviceID] = time.Now().Add(p.debounce)
	p.mu.Unlock()
}

// Run polls until the context is cancelled. When every target in a sweep
// fails the next sweep is delayed with exponential backoff; one success
// resets the pace.
func (p *Poller) Run(ctx context.Context) {
	for {
		polled, failed := p.sweep(ctx)
		delay := p.interval
		if polled > 0 && failed == polled {
			delay = p.bo.NextBackOff()
		} else {
			p.bo.Reset()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (p *Poller) sweep(ctx context.Context) (polled, failed int) {
	now := time.Now()
	for _, t := range p.targets {
		p.mu.Lock()
		deferredTo, deferred := p.deferUntil[t.DeviceID]
		p.mu.Unlock()
		if deferred && now.Before(deferredTo) {
			continue
		}
		polled++
		attrs, err := p.gw.GetAttributes(ctx, t.DeviceID, t.Keys)
		if err != nil {
			failed++
			observability.PollFailuresTotal.Inc()
			slog.Warn("attribute poll failed", "device", t.DeviceID, "error", err)
			continue
		}
		if p.cache != nil {
			if b, err := json.Marshal(attrs); err == nil {
				if err := p.cache.Set(ctx, t.DeviceID, b); err != nil {
					slog.Warn("attribute cache write failed", "device", t.DeviceID, "error", err)
				}
			}
		}
		if p.sink != nil {
			p.sink.ObserveGroundTruth(t.DeviceID, attrs)
		}
	}
	return polled, failed
}
