package health

import (
	"sort"
	"strings"

	"meshmon/internal/geo"
	"meshmon/internal/model"
	"meshmon/internal/routes"
)

const (
	congestedRouterUtil = 20.0
	ineffectiveNeighbor = 5
	redundantRouters    = 2
	widespreadRatio     = 0.30
)

// Router status labels. A router may carry several.
const (
	StatusRedundant   = "Redundant"
	StatusCongested   = "Congested"
	StatusIneffective = "Ineffective"
)

// RouterStats describes one positioned router.
type RouterStats struct {
	ID            string
	Name          string
	Role          model.Role
	Position      model.Position
	Neighbors     int // any node within the density radius
	RoutersNearby int // router-role nodes within the density radius
	RadiusM       float64
	ChannelUtil   float64
	RelayCount    int // successful probes routed through this router
	Status        []string
}

// StatusString joins the status labels, or "OK".
func (s RouterStats) StatusString() string {
	if len(s.Status) == 0 {
		return "OK"
	}
	return strings.Join(s.Status, ", ")
}

// Has reports whether the router carries a status label.
func (s RouterStats) Has(status string) bool {
	for _, st := range s.Status {
		if st == status {
			return true
		}
	}
	return false
}

// routerStats computes statistics for every router with a known position.
func (p *pass) routerStats() []RouterStats {
	var out []RouterStats
	for _, id := range p.ids {
		n := p.in.Nodes[id]
		if !n.Role.IsRouter() || !n.HasPosition() {
			continue
		}
		p.guard("router stats", id, func() {
			out = append(out, p.statsFor(id, n))
		})
	}
	return out
}

func (p *pass) statsFor(id string, n model.Node) RouterStats {
	st := RouterStats{
		ID:          id,
		Name:        p.name(id),
		Role:        n.Role,
		Position:    *n.Position,
		RadiusM:     p.th.RouterDensityM,
		ChannelUtil: n.Metrics.ChannelUtilization,
	}

	for _, otherID := range p.ids {
		if otherID == id {
			continue
		}
		other := p.in.Nodes[otherID]
		if geo.Within(n.Position, other.Position, p.th.RouterDensityM) {
			st.Neighbors++
			if other.Role.IsRouter() {
				st.RoutersNearby++
			}
		}
	}

	for _, r := range p.in.Results {
		if r.Succeeded() && (containsNode(r.Route, id) || containsNode(r.RouteBack, id)) {
			st.RelayCount++
		}
	}

	if st.RoutersNearby >= redundantRouters {
		st.Status = append(st.Status, StatusRedundant)
	}
	if st.ChannelUtil > congestedRouterUtil {
		st.Status = append(st.Status, StatusCongested)
	}
	if st.Neighbors > ineffectiveNeighbor && st.RelayCount == 0 {
		st.Status = append(st.Status, StatusIneffective)
	}
	return st
}

func (p *pass) efficiencyIssues(stats []RouterStats) {
	for _, s := range stats {
		if s.Has(StatusRedundant) {
			p.add(CategoryEfficiency, s.ID, "Router '%s' is Redundant. Has %d other routers within %.1fkm. Consolidate?", s.Name, s.RoutersNearby, s.RadiusM/1000)
		}
		if s.Has(StatusCongested) {
			p.add(CategoryEfficiency, s.ID, "Router '%s' is Congested (ChUtil %.1f%% > %.0f%%).", s.Name, s.ChannelUtil, congestedRouterUtil)
		}
		if s.Has(StatusIneffective) {
			p.add(CategoryEfficiency, s.ID, "Router '%s' is Ineffective. Has %d neighbors but relayed 0 packets in tests.", s.Name, s.Neighbors)
		}
	}
}

// checkClientsOverRouters flags routers outperformed by a nearby client. Both
// sides are measured with the route analyzer's relay usage.
func (p *pass) checkClientsOverRouters() {
	if len(p.in.Results) == 0 {
		return
	}
	usage := routes.Analyzer{Nodes: p.in.Nodes}.Analyze(p.in.Results).RelayUsage
	relays := make(map[string]int, len(usage))
	for _, u := range usage {
		relays[u.ID] = u.Count
	}

	for _, id := range p.ids {
		router := p.in.Nodes[id]
		if !router.Role.IsRouter() || !router.HasPosition() {
			continue
		}
		routerRelays := relays[model.NormalizeID(id)]
		for _, cid := range p.ids {
			if cid == id {
				continue
			}
			client := p.in.Nodes[cid]
			if !client.Role.IsClient() {
				continue
			}
			d, ok := geo.Between(router.Position, client.Position)
			if !ok || d > p.th.RouterDensityM {
				continue
			}
			clientRelays := relays[model.NormalizeID(cid)]
			if clientRelays > 0 && clientRelays >= 2*routerRelays {
				p.add(CategoryEfficiency, id,
					"Router '%s' has %d relays, but nearby client '%s' (%.2fkm away) has %d relays. Router ChUtil: %.1f%%. Router may be ineffective - check antenna, placement, or configuration.",
					p.name(id), routerRelays, p.name(cid), d/1000, clientRelays, router.Metrics.ChannelUtilization)
			}
		}
	}
}

// Distribution classifies how widespread high channel utilization is.
type Distribution struct {
	Type          string // none, isolated or widespread
	Nodes         []UtilizedNode
	ActiveCount   int
	AffectedCount int
}

// Distribution types.
const (
	DistributionNone       = "none"
	DistributionIsolated   = "isolated"
	DistributionWidespread = "widespread"
)

// UtilizedNode is an active node over the utilization threshold.
type UtilizedNode struct {
	ID      string
	Name    string
	UtilPct float64
}

func (p *pass) channelUtilization() Distribution {
	d := Distribution{Type: DistributionNone}
	for _, id := range p.ids {
		n := p.in.Nodes[id]
		if !p.isActive(n) {
			continue
		}
		d.ActiveCount++
		if cu := n.Metrics.ChannelUtilization; cu > p.th.ChannelUtilization {
			d.Nodes = append(d.Nodes, UtilizedNode{ID: id, Name: p.name(id), UtilPct: cu})
		}
	}
	d.AffectedCount = len(d.Nodes)
	if d.AffectedCount == 0 {
		return d
	}
	sort.SliceStable(d.Nodes, func(i, j int) bool { return d.Nodes[i].UtilPct > d.Nodes[j].UtilPct })
	if float64(d.AffectedCount)/float64(d.ActiveCount) > widespreadRatio {
		d.Type = DistributionWidespread
	} else {
		d.Type = DistributionIsolated
	}
	return d
}

func containsNode(route []string, id string) bool {
	for _, hop := range route {
		if model.SameNode(hop, id) {
			return true
		}
	}
	return false
}
