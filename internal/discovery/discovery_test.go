package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmon/internal/config"
	"meshmon/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func node(id string, role model.Role, lat, lon float64, heard time.Duration) model.Node {
	n := model.Node{ID: id, Role: role, Position: &model.Position{Lat: lat, Lon: lon}}
	if heard > 0 {
		n.LastHeard = base.Add(-heard)
	}
	return n
}

func db(nodes ...model.Node) model.NodeDB {
	out := make(model.NodeDB, len(nodes))
	for _, n := range nodes {
		out[model.NormalizeID(n.ID)] = n
	}
	return out
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, name := range []string{config.StrategyDistanceExtremes, config.StrategyRolePriority, config.StrategyClusterNeighbor} {
		s, err := New(config.DiscoveryConfig{Strategy: name})
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := New(config.DiscoveryConfig{Strategy: "random"})
	assert.Error(t, err)
}

func TestDistanceExtremes_FurthestFirst(t *testing.T) {
	t.Parallel()

	nodes := db(
		node("!00000001", model.RoleClient, 0, 0, time.Minute),
		node("!00000002", model.RoleRouter, 0, 0.01, time.Minute),
		node("!00000003", model.RoleRouter, 0, 0.05, time.Minute),
		node("!00000004", model.RoleRepeater, 0, 0.03, time.Minute),
		node("!00000005", model.RoleClient, 0, 0.09, time.Minute),
		model.Node{ID: "!00000006", Role: model.RoleRouter},
	)

	s := DistanceExtremes{Roles: []model.Role{model.RoleRouter, model.RoleRepeater}, Limit: 3}
	got := s.SelectTargets(nodes, "!00000001")
	assert.Equal(t, []string{"!00000003", "!00000004", "!00000002"}, got)

	s.Limit = 10
	got = s.SelectTargets(nodes, "!00000001")
	assert.Equal(t, "!00000006", got[len(got)-1], "positionless candidates sort last")
}

func TestStrategies_ExcludeLocalInAnyRepresentation(t *testing.T) {
	t.Parallel()

	nodes := db(
		node("!0000000a", model.RoleRouter, 0, 0, time.Minute),
		node("!0000000b", model.RoleRouter, 0, 0.01, time.Minute),
		node("!0000000c", model.RoleClient, 0, 0.001, time.Minute),
	)

	strategies := []Strategy{
		DistanceExtremes{Roles: []model.Role{model.RoleRouter}, Limit: 5},
		RolePriority{Order: []model.Role{model.RoleRouter, model.RoleClient}, Limit: 5},
		ClusterNeighbor{RadiusM: 2000, Limit: 5},
	}
	for _, s := range strategies {
		for _, local := range []string{"!0000000a", "10", "0xA", "!0000000A"} {
			assert.NotContains(t, s.SelectTargets(nodes, local), "!0000000a", "%s local=%s", s.Name(), local)
		}
	}
}

func TestRolePriority_GroupsThenRecency(t *testing.T) {
	t.Parallel()

	nodes := db(
		node("!00000001", model.RoleClient, 0, 0, time.Minute),
		node("!00000002", model.RoleRouter, 0, 0.01, 10*time.Minute),
		node("!00000003", model.RoleRouter, 0, 0.02, time.Minute),
		node("!00000004", model.RoleRepeater, 0, 0.03, time.Second),
		node("!00000005", model.RoleClient, 0, 0.04, time.Second),
		node("!00000006", model.RoleRouter, 0, 0.05, time.Minute),
	)

	s := RolePriority{Order: []model.Role{model.RoleRouter, model.RoleRepeater, model.RoleClient}, Limit: 4}
	got := s.SelectTargets(nodes, "!00000001")
	// Routers first: equal recency breaks by distance desc.
	assert.Equal(t, []string{"!00000006", "!00000003", "!00000002", "!00000004"}, got)
}

func TestClusterNeighbor(t *testing.T) {
	t.Parallel()

	nodes := db(
		node("!00000001", model.RoleClient, 10, 10, time.Minute),
		node("!00000002", model.RoleRouter, 0, 0, time.Minute),
		node("!00000003", model.RoleClient, 0, 0.005, 5*time.Minute),
		node("!00000004", model.RoleClient, 0, 0.01, time.Minute),
		node("!00000005", model.RoleClient, 0, 0.5, time.Minute), // out of radius
		node("!00000006", model.RoleClient, 0, 0.001, 0),         // never heard
		model.Node{ID: "!00000007", Role: model.RoleClient, LastHeard: base},
	)

	s := ClusterNeighbor{RadiusM: 2000, Limit: 5}
	got := s.SelectTargets(nodes, "!00000001")
	assert.Equal(t, []string{"!00000004", "!00000003"}, got)

	s.Limit = 1
	assert.Equal(t, []string{"!00000004"}, s.SelectTargets(nodes, "!00000001"))
}
