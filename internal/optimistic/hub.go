package optimistic

import (
	"sync"
	"time"
)

// Event is streamed to the dashboard as a control's displayed phase changes.
// It is intentionally UI-friendly: the frontend disables the control's button
// whenever phase != idle.
type Event struct {
	GreenhouseID string `json:"greenhouse"`
	DeviceID     string `json:"device_id"`
	ControlKey   string `json:"control_key"`
	Phase        string `json:"phase"`
	Target       string `json:"target,omitempty"`
	Reason       string `json:"reason,omitempty"`
	TSUnixMillis int64  `json:"ts"`
}

// Hub is an in-memory pub/sub keyed by greenhouse ID. A small replay buffer
// lets a dashboard that connects mid-command still render the in-flight
// phase.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[chan Event]struct{}
	replay    map[string][]Event
	maxReplay int
}

func NewHub() *Hub {
	return &Hub{
		subs:      map[string]map[chan Event]struct{}{},
		replay:    map[string][]Event{},
		maxReplay: 64,
	}
}

func (h *Hub) Subscribe(greenhouseID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	if _, ok := h.subs[greenhouseID]; !ok {
		h.subs[greenhouseID] = map[chan Event]struct{}{}
	}
	h.subs[greenhouseID][ch] = struct{}{}
	replay := append([]Event(nil), h.replay[greenhouseID]...)
	h.mu.Unlock()

	// Best-effort replay in a goroutine so Subscribe never blocks.
	go func() {
		for _, evt := range replay {
			select {
			case ch <- evt:
			default:
				return
			}
		}
	}()

	// Cancel only unsubscribes; the channel is never closed. Publish sends
	// outside the lock, so closing here could race a send in flight. An
	// unsubscribed channel just stops receiving and gets collected with its
	// reader.
	cancel := func() {
		h.mu.Lock()
		if m, ok := h.subs[greenhouseID]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(h.subs, greenhouseID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Publish(greenhouseID string, evt Event) {
	if h == nil {
		return
	}
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	if evt.GreenhouseID == "" {
		evt.GreenhouseID = greenhouseID
	}

	h.mu.Lock()
	h.replay[greenhouseID] = append(h.replay[greenhouseID], evt)
	if len(h.replay[greenhouseID]) > h.maxReplay {
		h.replay[greenhouseID] = h.replay[greenhouseID][len(h.replay[greenhouseID])-h.maxReplay:]
	}
	subs := make([]chan Event, 0, len(h.subs[greenhouseID]))
	for ch := range h.subs[greenhouseID] {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Slow consumer; drop rather than block a phase transition.
		}
	}
}
