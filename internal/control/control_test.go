package control

import (
	"testing"
	"time"
)

func TestResolveStateBinary(t *testing.T) {
	c := Control{Key: "fan_1", StateAttributes: []string{"fan_1_state"}, Cardinality: Binary}

	v, ok := c.ResolveState(map[string]any{"fan_1_state": true})
	if !ok || v != ValueOn {
		t.Fatalf("got (%q, %v) want (on, true)", v, ok)
	}
	v, ok = c.ResolveState(map[string]any{"fan_1_state": "off"})
	if !ok || v != ValueOff {
		t.Fatalf("got (%q, %v) want (off, true)", v, ok)
	}
	if _, ok = c.ResolveState(map[string]any{"other": true}); ok {
		t.Fatal("expected missing attribute to be unresolvable")
	}
}

func TestResolveStateTriState(t *testing.T) {
	c := Control{Key: "motor_1", StateAttributes: []string{"motor_1_fwd_state", "motor_1_rev_state"}, Cardinality: TriState}

	cases := []struct {
		fwd, rev any
		want     Value
		ok       bool
	}{
		{true, false, ValueForward, true},
		{false, true, ValueReverse, true},
		{false, false, ValueStop, true},
		{true, true, "", false}, // contradictory relay pair
	}
	for i, tc := range cases {
		v, ok := c.ResolveState(map[string]any{"motor_1_fwd_state": tc.fwd, "motor_1_rev_state": tc.rev})
		if ok != tc.ok || v != tc.want {
			t.Errorf("case %d: got (%q, %v) want (%q, %v)", i, v, ok, tc.want, tc.ok)
		}
	}
}

func TestOptimisticTTLByClass(t *testing.T) {
	relay := Control{Class: Relay}
	motor := Control{Class: Motor}
	if relay.OptimisticTTL() != 6*time.Second {
		t.Fatalf("relay ttl got %v", relay.OptimisticTTL())
	}
	if motor.OptimisticTTL() != 12*time.Second {
		t.Fatalf("motor ttl got %v", motor.OptimisticTTL())
	}
}

func TestRegistryDisplayName(t *testing.T) {
	reg := NewRegistry(DefaultControls())
	if got := reg.DisplayName("fan_1"); got != "Fan 1" {
		t.Fatalf("got %q", got)
	}
	// Unregistered keys (classifier fallbacks) get humanized.
	if got := reg.DisplayName("mist_nozzle_4"); got != "Mist Nozzle 4" {
		t.Fatalf("got %q", got)
	}
}

func TestRegistryAttributeKeys(t *testing.T) {
	reg := NewRegistry([]Control{
		{Key: "a", StateAttributes: []string{"x", "y"}},
		{Key: "b", StateAttributes: []string{"y", "z"}},
	})
	keys := reg.AttributeKeys()
	want := []string{"x", "y", "z"}
	if len(keys) != len(want) {
		t.Fatalf("got %v want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v want %v", keys, want)
		}
	}
}
