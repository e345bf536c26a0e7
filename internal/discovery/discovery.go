// Package discovery picks probe targets from the node directory when no static
// target list is configured.
package discovery

import (
	"fmt"
	"sort"

	"meshmon/internal/config"
	"meshmon/internal/geo"
	"meshmon/internal/model"
)

// Strategy selects probe targets from a directory snapshot. local is the id
// of the monitoring node and is never returned.
type Strategy interface {
	Name() string
	SelectTargets(nodes model.NodeDB, local string) []string
}

// New returns the strategy named by cfg.Strategy.
func New(cfg config.DiscoveryConfig) (Strategy, error) {
	limit := cfg.Limit
	if limit <= 0 {
		limit = config.DefaultDiscoveryLimit
	}
	switch cfg.Strategy {
	case "", config.StrategyDistanceExtremes:
		roles := cfg.Roles
		if len(roles) == 0 {
			roles = config.DefaultDiscoveryRoles
		}
		return DistanceExtremes{Roles: model.ParseRoles(roles), Limit: limit}, nil
	case config.StrategyRolePriority:
		order := cfg.RolePriority
		if len(order) == 0 {
			order = config.DefaultRolePriority
		}
		return RolePriority{Order: model.ParseRoles(order), Limit: limit}, nil
	case config.StrategyClusterNeighbor:
		radius := cfg.ClusterRadiusM
		if radius <= 0 {
			radius = config.DefaultClusterRadiusM
		}
		return ClusterNeighbor{RadiusM: radius, Limit: limit}, nil
	default:
		return nil, fmt.Errorf("unknown discovery strategy %q", cfg.Strategy)
	}
}

type candidate struct {
	id        string
	node      model.Node
	dist      float64
	distKnown bool
}

// candidates returns every directory entry except the local node, in id order.
func candidates(nodes model.NodeDB, local string) []candidate {
	var localPos *model.Position
	if n, ok := nodes.Lookup(local); ok {
		localPos = n.Position
	}

	out := make([]candidate, 0, len(nodes))
	for _, id := range nodes.SortedIDs() {
		n := nodes[id]
		key := id
		if n.ID != "" {
			key = n.ID
		}
		if model.SameNode(key, local) || model.SameNode(id, local) {
			continue
		}
		d, ok := geo.Between(localPos, n.Position)
		out = append(out, candidate{id: model.NormalizeID(key), node: n, dist: d, distKnown: ok})
	}
	return out
}

// furtherFirst orders known distances descending ahead of unknown ones.
func furtherFirst(a, b candidate) bool {
	if a.distKnown != b.distKnown {
		return a.distKnown
	}
	return a.dist > b.dist
}

func ids(cs []candidate, limit int) []string {
	if len(cs) > limit {
		cs = cs[:limit]
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.id
	}
	return out
}

func roleSet(roles []model.Role) map[model.Role]bool {
	set := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}

// DistanceExtremes probes the furthest nodes with one of the given roles.
type DistanceExtremes struct {
	Roles []model.Role
	Limit int
}

func (DistanceExtremes) Name() string { return config.StrategyDistanceExtremes }

func (s DistanceExtremes) SelectTargets(nodes model.NodeDB, local string) []string {
	allowed := roleSet(s.Roles)
	all := candidates(nodes, local)

	var picked []candidate
	for _, c := range all {
		if allowed[c.node.Role] {
			picked = append(picked, c)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return furtherFirst(picked[i], picked[j])
	})
	return ids(picked, s.Limit)
}

// RolePriority drains role groups in Order. Within a group the most recently
// heard nodes come first, then the furthest.
type RolePriority struct {
	Order []model.Role
	Limit int
}

func (RolePriority) Name() string { return config.StrategyRolePriority }

func (s RolePriority) SelectTargets(nodes model.NodeDB, local string) []string {
	all := candidates(nodes, local)

	groups := make(map[model.Role][]candidate)
	for _, c := range all {
		groups[c.node.Role] = append(groups[c.node.Role], c)
	}

	var picked []candidate
	seen := make(map[model.Role]bool)
	for _, role := range s.Order {
		if seen[role] {
			continue
		}
		seen[role] = true

		group := groups[role]
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if !a.node.LastHeard.Equal(b.node.LastHeard) {
				return a.node.LastHeard.After(b.node.LastHeard)
			}
			return furtherFirst(a, b)
		})
		picked = append(picked, group...)
		if len(picked) >= s.Limit {
			break
		}
	}
	return ids(picked, s.Limit)
}

// ClusterNeighbor probes recently heard non-router nodes that sit within
// RadiusM of a positioned router.
type ClusterNeighbor struct {
	RadiusM float64
	Limit   int
}

func (ClusterNeighbor) Name() string { return config.StrategyClusterNeighbor }

func (s ClusterNeighbor) SelectTargets(nodes model.NodeDB, local string) []string {
	all := candidates(nodes, local)

	var routers []*model.Position
	for _, n := range nodes {
		if n.Role.IsRouter() && n.Position != nil {
			routers = append(routers, n.Position)
		}
	}

	var picked []candidate
	for _, c := range all {
		if c.node.Role.IsRouter() || c.node.LastHeard.IsZero() {
			continue
		}
		for _, r := range routers {
			if geo.Within(r, c.node.Position, s.RadiusM) {
				picked = append(picked, c)
				break
			}
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].node.LastHeard.After(picked[j].node.LastHeard)
	})
	return ids(picked, s.Limit)
}
