package model

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is the device role a node advertises.
type Role int

// Values follow the device-config protobuf enum so integer codes from the
// radio map directly.
const (
	RoleClient       Role = 0
	RoleClientMute   Role = 1
	RoleRouter       Role = 2
	RoleRouterClient Role = 3
	RoleRepeater     Role = 4
	RoleTracker      Role = 5
	RoleSensor       Role = 6
	RoleRouterLate   Role = 11
)

var roleNames = map[Role]string{
	RoleClient:       "CLIENT",
	RoleClientMute:   "CLIENT_MUTE",
	RoleRouter:       "ROUTER",
	RoleRouterClient: "ROUTER_CLIENT",
	RoleRepeater:     "REPEATER",
	RoleTracker:      "TRACKER",
	RoleSensor:       "SENSOR",
	RoleRouterLate:   "ROUTER_LATE",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return roleNames[RoleClient]
}

// IsRouter reports whether the role forwards traffic as infrastructure.
func (r Role) IsRouter() bool {
	switch r {
	case RoleRouter, RoleRouterClient, RoleRouterLate, RoleRepeater:
		return true
	}
	return false
}

// IsClient reports whether the role is an end-user or telemetry device.
func (r Role) IsClient() bool {
	return !r.IsRouter()
}

// ParseRole normalizes a role from an integer code or symbolic name.
// Anything unrecognised degrades to CLIENT.
func ParseRole(v any) Role {
	switch val := v.(type) {
	case Role:
		return ParseRole(int(val))
	case int:
		if _, ok := roleNames[Role(val)]; ok {
			return Role(val)
		}
	case int32:
		return ParseRole(int(val))
	case int64:
		return ParseRole(int(val))
	case uint32:
		return ParseRole(int(val))
	case float64:
		return ParseRole(int(val))
	case string:
		return parseRoleName(val)
	}
	return RoleClient
}

func parseRoleName(s string) Role {
	name := strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(name); err == nil {
		return ParseRole(n)
	}
	for role, candidate := range roleNames {
		if candidate == name {
			return role
		}
	}
	return RoleClient
}

// ParseRoles parses a list of role names, dropping nothing: unknown names map to CLIENT.
func ParseRoles(names []string) []Role {
	out := make([]Role, 0, len(names))
	for _, name := range names {
		out = append(out, parseRoleName(name))
	}
	return out
}

// MarshalYAML writes the symbolic name.
func (r Role) MarshalYAML() (any, error) {
	return r.String(), nil
}

// UnmarshalYAML accepts either the symbolic name or the integer code.
func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		*r = RoleClient
		return nil
	}
	*r = parseRoleName(value.Value)
	return nil
}
