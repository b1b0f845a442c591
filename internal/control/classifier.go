package control

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the semantic kind of a command, as derived from its RPC method
// name.
type Action string

const (
	ActionSet        Action = "set"
	ActionSetForward Action = "set_forward"
	ActionSetReverse Action = "set_reverse"
	ActionStop       Action = "stop"
)

// Descriptor is the classifier output: which control a method addresses, what
// it does to it, and the value it carries.
type Descriptor struct {
	ControlKey string
	Action     Action
	Value      any
}

// TargetValue maps a descriptor onto the normalized position the command is
// driving toward. The second return is false when the command carries no
// position the optimistic layer could display (e.g. an opaque config write).
func (d Descriptor) TargetValue() (Value, bool) {
	switch d.Action {
	case ActionSetForward:
		return ValueForward, true
	case ActionSetReverse:
		return ValueReverse, true
	case ActionStop:
		return ValueStop, true
	}
	switch v := d.Value.(type) {
	case bool:
		if v {
			return ValueOn, true
		}
		return ValueOff, true
	case string:
		switch Value(strings.ToLower(strings.TrimSpace(v))) {
		case ValueOn, ValueOff, ValueForward, ValueReverse, ValueStop:
			return Value(strings.ToLower(strings.TrimSpace(v))), true
		}
		if truthy(v) {
			return ValueOn, true
		}
		return "", false
	case float64, float32, int, int64, uint64:
		if truthy(v) {
			return ValueOn, true
		}
		return ValueOff, true
	}
	return "", false
}

type rule struct {
	re    *regexp.Regexp
	build func(m []string, params any) Descriptor
}

// Classification rules, first match wins. They run against the method name
// lowercased and with a leading "set_" stripped; the fallback keeps the raw
// method so unknown methods still produce a usable (if opaque) control key.
var rules = []rule{
	{
		re: regexp.MustCompile(`^motor_?(\d+)_(forward|reverse|stop)(?:_cmd)?$`),
		build: func(m []string, _ any) Descriptor {
			action := ActionStop
			switch m[2] {
			case "forward":
				action = ActionSetForward
			case "reverse":
				action = ActionSetReverse
			}
			return Descriptor{ControlKey: "motor_" + m[1], Action: action, Value: m[2]}
		},
	},
	{
		re: regexp.MustCompile(`^motor_?(\d+)_status$`),
		build: func(m []string, params any) Descriptor {
			return Descriptor{ControlKey: "motor_" + m[1], Action: ActionSet, Value: commandValue(params)}
		},
	},
	{
		re: regexp.MustCompile(`^global_([a-z0-9_]+)$`),
		build: func(m []string, params any) Descriptor {
			return Descriptor{ControlKey: "global_" + m[1], Action: ActionSet, Value: commandValue(params)}
		},
	},
	{
		// Automation-mode writes address the mode toggle, not the actuator:
		// set_fan_1_auto flips fan_1_auto, set_valve_2_time writes valve_2_time.
		re: regexp.MustCompile(`^([a-z]+)_?(\d+)_((?:condition_|interval_)?auto|time)$`),
		build: func(m []string, params any) Descriptor {
			return Descriptor{ControlKey: fmt.Sprintf("%s_%s_%s", m[1], m[2], m[3]), Action: ActionSet, Value: commandValue(params)}
		},
	},
	{
		// Plain actuator writes; tolerates both valve1 and valve_1 spellings.
		re: regexp.MustCompile(`^([a-z]+)_?(\d+)(?:_cmd)?$`),
		build: func(m []string, params any) Descriptor {
			return Descriptor{ControlKey: m[1] + "_" + m[2], Action: ActionSet, Value: commandValue(params)}
		},
	},
}

// Classify maps an RPC method name plus its parameters to a control
// descriptor. It is total: unknown methods fall back to the raw method name
// with ActionSet rather than failing, so classification can never block a
// dispatch.
func Classify(method string, params any) Descriptor {
	norm := strings.ToLower(strings.TrimSpace(method))
	norm = strings.TrimPrefix(norm, "set_")
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(norm); m != nil {
			return r.build(m, params)
		}
	}
	return Descriptor{ControlKey: method, Action: ActionSet, Value: commandValue(params)}
}

var oneWaySuffixes = []string{"_cmd", "_condition_auto", "_interval_auto", "_auto", "_time"}

var motorStatusMethod = regexp.MustCompile(`^set_motor_\d+_status$`)

// IsOneWay reports whether a method must be dispatched fire-and-forget. The
// embedded actuators behind these method families do not acknowledge promptly,
// so waiting on them converts delivered commands into client-perceived
// failures; any caller-supplied timeout is discarded for them.
func IsOneWay(method string) bool {
	m := strings.ToLower(strings.TrimSpace(method))
	for _, suffix := range oneWaySuffixes {
		if strings.HasSuffix(m, suffix) {
			return true
		}
	}
	if strings.HasPrefix(m, "set_global_") {
		return true
	}
	return motorStatusMethod.MatchString(m)
}

// commandValue pulls the user-facing value out of an RPC parameter payload.
// Plain scalars pass through; map payloads are probed for the conventional
// value/state keys.
func commandValue(params any) any {
	switch p := params.(type) {
	case nil:
		return nil
	case map[string]any:
		if v, ok := p["value"]; ok {
			return v
		}
		if v, ok := p["state"]; ok {
			return v
		}
		return p
	default:
		return p
	}
}
