// Package optimistic renders a command's progress before the platform
// confirms it. Each controllable device gets one Coordinator that owns a map
// of controlKey -> provisional state; entries live from the operator's click
// until ground truth catches up, the dispatch fails, or a bounded TTL forces
// a rollback. A single "pending" flag is not enough here: operators need to
// tell "we just clicked" (sending) apart from "we are waiting on the device"
// (syncing), and acknowledgement-less success is an expected outcome, so the
// TTL backstop is part of the contract rather than an edge case.
package optimistic

import (
	"log/slog"
	"sync"
	"time"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/control"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/observability"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseSyncing
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseSyncing:
		return "syncing"
	default:
		return "idle"
	}
}

// DefaultMicroDelay is the cosmetic sending->syncing hold. It exists purely
// so fast acknowledgements still show a visible "sending" beat.
const DefaultMicroDelay = 450 * time.Millisecond

type entry struct {
	gen       uint64
	target    control.Value
	phase     Phase
	startedAt time.Time
	micro     Timer
	ttl       Timer
}

// Coordinator owns all provisional control state for one device.
type Coordinator struct {
	greenhouseID string
	deviceID     string
	controls     *control.Registry
	clock        Clock
	hub          *Hub
	microDelay   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
}

func NewCoordinator(greenhouseID, deviceID string, reg *control.Registry, clock Clock, hub *Hub) *Coordinator {
	if clock == nil {
		clock = SystemClock
	}
	return &Coordinator{
		greenhouseID: greenhouseID,
		deviceID:     deviceID,
		controls:     reg,
		clock:        clock,
		hub:          hub,
		microDelay:   DefaultMicroDelay,
		entries:      map[string]*entry{},
	}
}

// Begin records a new user intent for a control. It returns false when the
// control already has an outstanding intent; the caller must treat that as a
// no-op click (the UI disables the button, this is the backstop).
func (c *Coordinator) Begin(controlKey string, target control.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.entries[controlKey]; busy {
		return false
	}

	ttl := relayFallbackTTL
	if ctl, ok := c.controls.Lookup(controlKey); ok {
		ttl = ctl.OptimisticTTL()
	}

	c.gen++
	e := &entry{gen: c.gen, target: target, phase: PhaseSending, startedAt: c.clock.Now()}
	gen := e.gen
	e.micro = c.clock.AfterFunc(c.microDelay, func() { c.advance(controlKey, gen) })
	e.ttl = c.clock.AfterFunc(ttl, func() { c.expire(controlKey, gen) })
	c.entries[controlKey] = e

	c.publish(controlKey, PhaseSending, target, "begin")
	return true
}

var relayFallbackTTL = 6 * time.Second

// Fail rolls a control straight back to idle after a dispatch rejection.
func (c *Coordinator) Fail(controlKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[controlKey]
	if !ok {
		return
	}
	c.removeLocked(controlKey, e)
	c.publish(controlKey, PhaseIdle, "", "rejected")
}

// ObserveGroundTruth reconciles outstanding intents against a fresh attribute
// snapshot. Only a snapshot that agrees with the target resolves an entry; a
// contradicting value inside the TTL window is ignored on purpose, because it
// is more likely a stale poll racing the just-issued command than a real
// refusal. (Stricter last-writer-wins semantics could replace this if the
// flicker trade-off ever reverses.)
func (c *Coordinator) ObserveGroundTruth(attrs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		ctl, ok := c.controls.Lookup(key)
		if !ok {
			continue
		}
		v, ok := ctl.ResolveState(attrs)
		if !ok || v != e.target {
			continue
		}
		c.removeLocked(key, e)
		c.publish(key, PhaseIdle, "", "reconciled")
	}
}

// ForceClear drops every outstanding intent at once. Called when the device
// goes offline or its controls are disabled, so no optimistic display can
// outlive the ability to control the device.
func (c *Coordinator) ForceClear(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		c.removeLocked(key, e)
		c.publish(key, PhaseIdle, "", reason)
	}
}

// Phase reports the current phase for a control (PhaseIdle when nothing is
// outstanding).
func (c *Coordinator) Phase(controlKey string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[controlKey]; ok {
		return e.phase
	}
	return PhaseIdle
}

// ControlState is a point-in-time view for panel rendering.
type ControlState struct {
	Phase     string    `json:"phase"`
	Target    string    `json:"target,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (c *Coordinator) Snapshot() map[string]ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ControlState, len(c.entries))
	for key, e := range c.entries {
		out[key] = ControlState{Phase: e.phase.String(), Target: string(e.target), StartedAt: e.startedAt}
	}
	return out
}

// advance moves sending -> syncing after the micro-delay. The generation
// guard makes a timer that fires after its entry was resolved a no-op.
func (c *Coordinator) advance(controlKey string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[controlKey]
	if !ok || e.gen != gen || e.phase != PhaseSending {
		return
	}
	e.phase = PhaseSyncing
	c.publish(controlKey, PhaseSyncing, e.target, "sync")
}

// expire is the TTL backstop: discard the provisional value and fall back to
// the last ground truth the panel already shows.
func (c *Coordinator) expire(controlKey string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[controlKey]
	if !ok || e.gen != gen {
		return
	}
	c.removeLocked(controlKey, e)
	observability.OptimisticRollbacksTotal.Inc()
	slog.Debug("optimistic state expired", "device", c.deviceID, "control", controlKey, "target", e.target)
	c.publish(controlKey, PhaseIdle, "", "rolled_back")
}

func (c *Coordinator) removeLocked(controlKey string, e *entry) {
	if e.micro != nil {
		e.micro.Stop()
	}
	if e.ttl != nil {
		e.ttl.Stop()
	}
	delete(c.entries, controlKey)
}

func (c *Coordinator) publish(controlKey string, phase Phase, target control.Value, reason string) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(c.greenhouseID, Event{
		GreenhouseID: c.greenhouseID,
		DeviceID:     c.deviceID,
		ControlKey:   controlKey,
		Phase:        phase.String(),
		Target:       string(target),
		Reason:       reason,
	})
}
