package control

import (
	"strings"
	"time"
	"unicode"
)

// Cardinality describes how many distinct positions an actuator has.
type Cardinality int

const (
	Binary   Cardinality = iota // on/off relay
	TriState                    // forward/stop/reverse motor
)

func (c Cardinality) String() string {
	if c == TriState {
		return "tristate"
	}
	return "binary"
}

// Class selects timing behavior for the optimistic UI layer. Motors get a
// longer settle window than relays because the mechanical movement takes
// seconds, not milliseconds.
type Class int

const (
	Relay Class = iota
	Motor
)

func (c Class) String() string {
	if c == Motor {
		return "motor"
	}
	return "relay"
}

// Value is a normalized actuator position.
type Value string

const (
	ValueOff     Value = "off"
	ValueOn      Value = "on"
	ValueForward Value = "forward"
	ValueReverse Value = "reverse"
	ValueStop    Value = "stop"
)

const (
	relayOptimisticTTL = 6 * time.Second
	motorOptimisticTTL = 12 * time.Second
)

// Control is the static identity of one controllable actuator. Instances come
// from configuration and never change at runtime.
type Control struct {
	Key             string      `json:"key"`
	Name            string      `json:"name"`
	RPCMethod       string      `json:"rpc_method"`
	StateAttributes []string    `json:"state_attributes"`
	Cardinality     Cardinality `json:"cardinality"`
	Class           Class       `json:"class"`
}

// OptimisticTTL is the upper bound the UI keeps a provisional value on screen
// before rolling back to the last confirmed state.
func (c Control) OptimisticTTL() time.Duration {
	if c.Class == Motor {
		return motorOptimisticTTL
	}
	return relayOptimisticTTL
}

// ResolveState derives the control's current position from polled attribute
// values. The second return is false when the attributes do not carry enough
// information (missing keys, or a tri-state pair that contradicts itself).
func (c Control) ResolveState(attrs map[string]any) (Value, bool) {
	if len(c.StateAttributes) == 0 {
		return "", false
	}
	if c.Cardinality == TriState {
		if len(c.StateAttributes) < 2 {
			return "", false
		}
		fwdRaw, ok := attrs[c.StateAttributes[0]]
		if !ok {
			return "", false
		}
		revRaw, ok := attrs[c.StateAttributes[1]]
		if !ok {
			return "", false
		}
		fwd, rev := truthy(fwdRaw), truthy(revRaw)
		switch {
		case fwd && rev:
			return "", false
		case fwd:
			return ValueForward, true
		case rev:
			return ValueReverse, true
		default:
			return ValueStop, true
		}
	}
	raw, ok := attrs[c.StateAttributes[0]]
	if !ok {
		return "", false
	}
	if truthy(raw) {
		return ValueOn, true
	}
	return ValueOff, true
}

// Registry is a read-only lookup over the configured control set.
type Registry struct {
	byKey   map[string]Control
	ordered []Control
}

func NewRegistry(controls []Control) *Registry {
	r := &Registry{byKey: make(map[string]Control, len(controls))}
	for _, c := range controls {
		if c.Key == "" {
			continue
		}
		if _, dup := r.byKey[c.Key]; dup {
			continue
		}
		r.byKey[c.Key] = c
		r.ordered = append(r.ordered, c)
	}
	return r
}

func (r *Registry) Lookup(key string) (Control, bool) {
	c, ok := r.byKey[key]
	return c, ok
}

func (r *Registry) All() []Control {
	out := make([]Control, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// DisplayName returns the configured human name for a control key, or a
// humanized form of the key itself when the key is not registered (classifier
// fallback keys land here).
func (r *Registry) DisplayName(key string) string {
	if c, ok := r.byKey[key]; ok && c.Name != "" {
		return c.Name
	}
	return humanizeKey(key)
}

// AttributeKeys returns the union of state attributes across all registered
// controls, in registration order. The poller uses this as its fetch list.
func (r *Registry) AttributeKeys() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range r.ordered {
		for _, k := range c.StateAttributes {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// DefaultControls is the standard greenhouse actuator set. Deployments with
// different wiring override this via configuration.
func DefaultControls() []Control {
	return []Control{
		{Key: "fan_1", Name: "Fan 1", RPCMethod: "set_fan_1_cmd", StateAttributes: []string{"fan_1_state"}, Cardinality: Binary, Class: Relay},
		{Key: "fan_2", Name: "Fan 2", RPCMethod: "set_fan_2_cmd", StateAttributes: []string{"fan_2_state"}, Cardinality: Binary, Class: Relay},
		{Key: "valve_1", Name: "Valve 1", RPCMethod: "set_valve_1_cmd", StateAttributes: []string{"valve_1_state"}, Cardinality: Binary, Class: Relay},
		{Key: "valve_2", Name: "Valve 2", RPCMethod: "set_valve_2_cmd", StateAttributes: []string{"valve_2_state"}, Cardinality: Binary, Class: Relay},
		{Key: "valve_3", Name: "Valve 3", RPCMethod: "set_valve_3_cmd", StateAttributes: []string{"valve_3_state"}, Cardinality: Binary, Class: Relay},
		{Key: "pump_1", Name: "Pump 1", RPCMethod: "set_pump_1_cmd", StateAttributes: []string{"pump_1_state"}, Cardinality: Binary, Class: Relay},
		{Key: "motor_1", Name: "Curtain motor 1", RPCMethod: "set_motor_1_status", StateAttributes: []string{"motor_1_fwd_state", "motor_1_rev_state"}, Cardinality: TriState, Class: Motor},
		{Key: "motor_2", Name: "Curtain motor 2", RPCMethod: "set_motor_2_status", StateAttributes: []string{"motor_2_fwd_state", "motor_2_rev_state"}, Cardinality: TriState, Class: Motor},
		{Key: "global_auto", Name: "Automation mode", RPCMethod: "set_global_auto", StateAttributes: []string{"global_auto"}, Cardinality: Binary, Class: Relay},
	}
}

func humanizeKey(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		runes := []rune(p)
		if len(runes) > 0 && unicode.IsLetter(runes[0]) {
			runes[0] = unicode.ToUpper(runes[0])
		}
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		lowered := strings.TrimSpace(strings.ToLower(val))
		return lowered == "on" || lowered == "true" || lowered == "1" || lowered == "yes"
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	default:
		return false
	}
}
