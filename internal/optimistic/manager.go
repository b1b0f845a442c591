package optimistic

import (
	"sync"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/control"
)

// Manager hands out one Coordinator per device and fans ground-truth
// snapshots to them. It is the poller's sink and the HTTP layer's lookup.
type Manager struct {
	registry *control.Registry
	clock    Clock
	hub      *Hub

	mu     sync.Mutex
	coords map[string]*Coordinator
}

func NewManager(reg *control.Registry, clock Clock, hub *Hub) *Manager {
	if clock == nil {
		clock = SystemClock
	}
	return &Manager{registry: reg, clock: clock, hub: hub, coords: map[string]*Coordinator{}}
}

func (m *Manager) ForDevice(greenhouseID, deviceID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coords[deviceID]; ok {
		return c
	}
	c := NewCoordinator(greenhouseID, deviceID, m.registry, m.clock, m.hub)
	m.coords[deviceID] = c
	return c
}

// ObserveGroundTruth routes a polled snapshot to the device's coordinator, if
// one exists. No coordinator means no outstanding intents to reconcile.
func (m *Manager) ObserveGroundTruth(deviceID string, attrs map[string]any) {
	m.mu.Lock()
	c := m.coords[deviceID]
	m.mu.Unlock()
	if c != nil {
		c.ObserveGroundTruth(attrs)
	}
}

// ForceClearDevice clears every outstanding intent on a device at once.
func (m *Manager) ForceClearDevice(deviceID, reason string) {
	m.mu.Lock()
	c := m.coords[deviceID]
	m.mu.Unlock()
	if c != nil {
		c.ForceClear(reason)
	}
}
