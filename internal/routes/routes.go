// Package routes derives relay usage, bottlenecks and path stability from
// traceroute history.
package routes

import (
	"math"
	"sort"
	"strings"

	"meshmon/internal/model"
)

// TopBottlenecks is how many bottleneck relays are reported.
const TopBottlenecks = 5

// RelayUsage is how often a node forwarded probe traffic.
type RelayUsage struct {
	ID    string
	Name  string
	Count int
}

// Bottleneck is a relay ranked by how many distinct destinations it served.
type Bottleneck struct {
	ID                 string
	Name               string
	DestinationsServed int
	Destinations       []string
}

// PathStability describes the dominant forward path to one destination.
type PathStability struct {
	Destination string
	Path        []string
	Count       int
	Total       int
	Stability   float64 // percent
}

// PathString renders the dominant path as "a -> b".
func (p PathStability) PathString() string {
	if len(p.Path) == 0 {
		return "direct"
	}
	return strings.Join(p.Path, " -> ")
}

// Link is one directed radio hop.
type Link struct {
	From string
	To   string
}

// LinkQuality is the mean SNR observed on a link.
type LinkQuality struct {
	Link    Link
	MeanSNR float64
	Samples int
}

// Analysis is the full route report.
type Analysis struct {
	TotalRoutes int
	RelayUsage  []RelayUsage
	Bottlenecks []Bottleneck
	CommonPaths []PathStability
	LinkQuality []LinkQuality
}

// Analyzer resolves names from Nodes and uses Local as the probe source when
// attributing per-hop SNR to links. Both are optional.
type Analyzer struct {
	Nodes model.NodeDB
	Local string
}

// Analyze runs every route analysis over the successful results.
func (a Analyzer) Analyze(results []model.ProbeResult) Analysis {
	ok := make([]model.ProbeResult, 0, len(results))
	for _, r := range results {
		if r.Succeeded() {
			ok = append(ok, r)
		}
	}
	return Analysis{
		TotalRoutes: len(ok),
		RelayUsage:  a.relayUsage(ok),
		Bottlenecks: a.bottlenecks(ok),
		CommonPaths: commonPaths(ok),
		LinkQuality: a.linkQuality(ok),
	}
}

// relayUsage counts forward relays other than the destination, plus every
// relay on the way back.
func (a Analyzer) relayUsage(results []model.ProbeResult) []RelayUsage {
	counts := make(map[string]int)
	for _, r := range results {
		for _, id := range r.Route {
			if !model.SameNode(id, r.Target) {
				counts[model.NormalizeID(id)]++
			}
		}
		for _, id := range r.RouteBack {
			counts[model.NormalizeID(id)]++
		}
	}

	out := make([]RelayUsage, 0, len(counts))
	for id, n := range counts {
		out = append(out, RelayUsage{ID: id, Name: a.name(id), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a Analyzer) bottlenecks(results []model.ProbeResult) []Bottleneck {
	served := make(map[string]map[string]struct{})
	for _, r := range results {
		dest := model.NormalizeID(r.Target)
		for _, id := range r.Route {
			if model.SameNode(id, dest) {
				continue
			}
			id = model.NormalizeID(id)
			if served[id] == nil {
				served[id] = make(map[string]struct{})
			}
			served[id][dest] = struct{}{}
		}
	}

	out := make([]Bottleneck, 0, len(served))
	for id, dests := range served {
		list := make([]string, 0, len(dests))
		for d := range dests {
			list = append(list, d)
		}
		sort.Strings(list)
		out = append(out, Bottleneck{ID: id, Name: a.name(id), DestinationsServed: len(list), Destinations: list})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DestinationsServed != out[j].DestinationsServed {
			return out[i].DestinationsServed > out[j].DestinationsServed
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > TopBottlenecks {
		out = out[:TopBottlenecks]
	}
	return out
}

// commonPaths finds the dominant relayed path per destination. Direct answers
// carry no path and are left out; a tie goes to the path seen first.
func commonPaths(results []model.ProbeResult) []PathStability {
	type pathCount struct {
		path  []string
		count int
	}
	byDest := make(map[string][]*pathCount)
	var order []string

	for _, r := range results {
		if len(r.Route) == 0 {
			continue
		}
		dest := model.NormalizeID(r.Target)
		path := make([]string, len(r.Route))
		for i, id := range r.Route {
			path[i] = model.NormalizeID(id)
		}
		if _, seen := byDest[dest]; !seen {
			order = append(order, dest)
		}
		found := false
		for _, pc := range byDest[dest] {
			if equalPath(pc.path, path) {
				pc.count++
				found = true
				break
			}
		}
		if !found {
			byDest[dest] = append(byDest[dest], &pathCount{path: path, count: 1})
		}
	}

	sort.Strings(order)
	out := make([]PathStability, 0, len(order))
	for _, dest := range order {
		var best *pathCount
		total := 0
		for _, pc := range byDest[dest] {
			total += pc.count
			if best == nil || pc.count > best.count {
				best = pc
			}
		}
		out = append(out, PathStability{
			Destination: dest,
			Path:        best.path,
			Count:       best.count,
			Total:       total,
			Stability:   float64(best.count) / float64(total) * 100,
		})
	}
	return out
}

// linkQuality pairs each per-hop SNR with the hop it was measured on.
// Towards: local, route..., target. Back: target, route_back..., local.
func (a Analyzer) linkQuality(results []model.ProbeResult) []LinkQuality {
	local := model.NormalizeID(a.Local)
	if local == "" {
		local = "local"
	}

	type acc struct {
		sum float64
		n   int
	}
	stats := make(map[Link]*acc)
	add := func(path []string, snrs []float64) {
		for i, snr := range snrs {
			if i+1 >= len(path) {
				break
			}
			if math.IsNaN(snr) || math.IsInf(snr, 0) {
				continue
			}
			l := Link{From: path[i], To: path[i+1]}
			if stats[l] == nil {
				stats[l] = &acc{}
			}
			stats[l].sum += snr
			stats[l].n++
		}
	}

	for _, r := range results {
		target := model.NormalizeID(r.Target)
		towards := append(append([]string{local}, normalized(r.Route)...), target)
		back := append(append([]string{target}, normalized(r.RouteBack)...), local)
		add(towards, r.SNRTowards)
		add(back, r.SNRBack)
	}

	out := make([]LinkQuality, 0, len(stats))
	for l, s := range stats {
		out = append(out, LinkQuality{Link: l, MeanSNR: s.sum / float64(s.n), Samples: s.n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Link.From != out[j].Link.From {
			return out[i].Link.From < out[j].Link.From
		}
		return out[i].Link.To < out[j].Link.To
	})
	return out
}

func (a Analyzer) name(id string) string {
	if n, ok := a.Nodes.Lookup(id); ok {
		if n.LongName != "" || n.ShortName != "" {
			return n.DisplayName()
		}
	}
	return id
}

func normalized(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = model.NormalizeID(id)
	}
	return out
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
