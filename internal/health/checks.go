package health

import (
	"fmt"
	"sort"

	"meshmon/internal/geo"
	"meshmon/internal/model"
)

const (
	duplicateThreshold = 3
	maxHopsAway        = 3
	maxRouteHops       = 3
	weakRouteSNR       = -10.0
	closeDistanceM     = 1000.0
	poorCloseSNR       = -5.0
	localMaxHopLimit   = 3
)

func (p *pass) checkNode(id string, n model.Node) {
	name := p.name(id)

	if cu := n.Metrics.ChannelUtilization; cu > p.th.ChannelUtilization {
		p.add(CategoryCongestion, id, "Node '%s' reports ChUtil %.1f%% (Threshold: %.0f%%)", name, cu, p.th.ChannelUtilization)
	}
	if air := n.Metrics.AirUtilTx; air > p.th.AirUtilTx {
		p.add(CategoryCongestion, id, "Node '%s' AirUtilTx %.1f%% (Threshold: %.0f%%)", name, air, p.th.AirUtilTx)
	}
	if n.Role == model.RoleRouterClient {
		p.add(CategoryConfig, id, "Node '%s' is using deprecated role 'ROUTER_CLIENT'.", name)
	}

	infra := n.Role == model.RoleRouter || n.Role == model.RoleRepeater
	if infra && !p.ignoreNoPosition && !n.HasPosition() {
		p.add(CategoryConfig, id, "Node '%s' is '%s' but has no position. Verify placement.", name, n.Role)
	}
	if infra {
		if b := n.BatteryLevel(); b < p.th.LowBattery {
			p.add(CategoryHealth, id, "Critical Node '%s' (%s) has low battery: %d%%", name, n.Role, b)
		}
	}
}

func (p *pass) checkDuplicates() {
	counts := make(map[uint32]int)
	for _, pkt := range p.in.Packets {
		if pkt.ID != 0 {
			counts[pkt.ID]++
		}
	}
	ids := make([]uint32, 0, len(counts))
	for id, n := range counts {
		if n > duplicateThreshold {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p.add(CategorySpam, "", "Detected %d duplicates for Packet ID %d. Possible routing loop or aggressive re-broadcasting.", counts[id], id)
	}
}

func (p *pass) checkHopCounts() {
	seen := make(map[string]bool)
	for _, pkt := range p.in.Packets {
		from := model.NormalizeID(pkt.From)
		if from == "" || seen[from] {
			continue
		}
		n, ok := p.in.Nodes.Lookup(from)
		if !ok {
			continue
		}
		seen[from] = true
		if n.HopsAway > maxHopsAway {
			p.add(CategoryTopology, from, "Node '%s' is %d hops away. (Ideally <= %d)", p.name(from), n.HopsAway, maxHopsAway)
		}
	}
}

func (p *pass) checkNetworkSize(active int) {
	if active > p.th.MaxNodesLongFast {
		p.add(CategoryNetworkSize, "",
			"%d active nodes detected (seen in last %.1fh). If using LONG_FAST, consider switching to a faster preset (e.g. LONG_MODERATE or SHORT_FAST) to reduce collision probability.",
			active, p.th.ActiveWindow.Hours())
	}
}

func (p *pass) checkSignalVsDistance() {
	local := p.in.Local
	if !local.HasPosition() {
		return
	}
	for _, id := range p.ids {
		n := p.in.Nodes[id]
		if model.SameNode(id, local.ID) || model.SameNode(n.ID, local.ID) {
			continue
		}
		d, ok := geo.Between(local.Position, n.Position)
		if !ok {
			continue
		}
		snr, ok := n.SignalQuality()
		if ok && d < closeDistanceM && snr < poorCloseSNR {
			p.add(CategoryPerformance, id, "Node '%s' is close (%.0fm) but has poor SNR (%.1fdB). Check antenna/LOS.", p.name(id), d, snr)
		}
	}
}

func (p *pass) checkRouteQuality() {
	seen := make(map[string]bool)
	add := func(cat Category, node, format string, args ...any) {
		before := len(p.issues)
		p.add(cat, node, format, args...)
		msg := p.issues[before].String()
		if seen[msg] {
			p.issues = p.issues[:before]
			return
		}
		seen[msg] = true
	}

	for _, r := range p.in.Results {
		if !r.Succeeded() {
			continue
		}
		target := model.NormalizeID(r.Target)
		name := p.name(target)
		if r.HopsTo > maxRouteHops {
			add(CategoryRouteQuality, target, "Long path to '%s' (%d hops). Latency risk.", name, r.HopsTo)
		}
		for _, hop := range r.Route {
			if n, ok := p.in.Nodes.Lookup(hop); ok && n.Favorite {
				add(CategoryRouteQuality, target, "Route to '%s' uses Favorite Router '%s'. Range Extended.", name, p.name(model.NormalizeID(hop)))
			}
		}
		if r.SNR != nil && *r.SNR < weakRouteSNR {
			add(CategoryRouteQuality, target, "Weak signal to '%s' (SNR %.2fdB). Link unstable.", name, *r.SNR)
		}
	}
}

// CheckLocalNode reviews the monitoring node's own settings.
func CheckLocalNode(local model.Node, hopLimit int) []Issue {
	var out []Issue
	if local.Role.IsRouter() {
		out = append(out, Issue{
			Category: CategoryConfig,
			Node:     model.NormalizeID(local.ID),
			Message:  "Local node role is '" + local.Role.String() + "'. Active monitoring works best from a CLIENT or CLIENT_MUTE node.",
		})
	}
	if hopLimit > localMaxHopLimit {
		out = append(out, Issue{
			Category: CategoryConfig,
			Node:     model.NormalizeID(local.ID),
			Message:  fmt.Sprintf("Local hop limit is %d. Recommended: %d. High hop limits can cause network congestion.", hopLimit, localMaxHopLimit),
		})
	}
	return out
}
