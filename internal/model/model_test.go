package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestNormalizeID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"!42BB5074":  "!42bb5074",
		" !42bb5074": "!42bb5074",
		"1119572084": "!42bb5074",
		"0x42bb5074": "!42bb5074",
		"!abc":       "!00000abc",
		"deadbeef":   "!deadbeef",
		"DEADBEEF":   "!deadbeef",
		"12345678":   "!12345678",
		"123456789":  "!075bcd15",
		"deadbeefx":  "deadbeefx",
		"router-1":   "router-1",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeID(in), "input %q", in)
	}
	assert.True(t, SameNode("!42bb5074", "1119572084"))
	assert.False(t, SameNode("", ""))
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RoleRouter, ParseRole("ROUTER"))
	assert.Equal(t, RoleRouter, ParseRole(2))
	assert.Equal(t, RoleRouterClient, ParseRole("router_client"))
	assert.Equal(t, RoleRouterLate, ParseRole(int32(11)))
	assert.Equal(t, RoleClient, ParseRole("SPACESHIP"))
	assert.Equal(t, RoleClient, ParseRole(99))
	assert.Equal(t, RoleClient, ParseRole(nil))
	assert.Equal(t, RoleRepeater, ParseRole("4"))
}

func TestRoleYAML(t *testing.T) {
	t.Parallel()

	var nodes []Node
	src := "- id: a\n  role: 2\n- id: b\n  role: REPEATER\n- id: c\n  role: bogus\n"
	assert.NoError(t, yaml.Unmarshal([]byte(src), &nodes))
	assert.Equal(t, RoleRouter, nodes[0].Role)
	assert.Equal(t, RoleRepeater, nodes[1].Role)
	assert.Equal(t, RoleClient, nodes[2].Role)

	out, err := yaml.Marshal(Node{ID: "x", Role: RoleRouterLate})
	assert.NoError(t, err)
	assert.Contains(t, string(out), "role: ROUTER_LATE")
}

func TestNodeDefaults(t *testing.T) {
	t.Parallel()

	var n Node
	assert.Equal(t, 100, n.BatteryLevel())
	assert.Equal(t, "Unknown", n.DisplayName())
	_, ok := n.SignalQuality()
	assert.False(t, ok)

	n.ID = "!00000001"
	assert.Equal(t, "!00000001", n.DisplayName())
	n.ShortName = "SN"
	assert.Equal(t, "SN", n.DisplayName())
}

func TestHopCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, HopCount(nil))
	assert.Equal(t, 1, HopCount([]string{"!x"}))
	assert.Equal(t, 2, HopCount([]string{"!x", "!y"}))
}
