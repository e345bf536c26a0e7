package health

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"meshmon/internal/geo"
)

// Cluster is a set of routers connected through pairwise distances below the
// density radius. Members are ranked best first.
type Cluster struct {
	Members   []RouterStats
	Distances []PairDistance
}

// PairDistance is the distance between two cluster members.
type PairDistance struct {
	A, B      string
	DistanceM float64
}

// Size is the number of routers in the cluster.
func (c Cluster) Size() int { return len(c.Members) }

// Best is the rank-0 member.
func (c Cluster) Best() RouterStats { return c.Members[0] }

// Others are every member except the best one.
func (c Cluster) Others() []RouterStats { return c.Members[1:] }

// clusters groups the positioned routers in stats into connected components
// and reports those with at least two members.
func (p *pass) clusters(stats []RouterStats) []Cluster {
	g := simple.NewUndirectedGraph()
	for i := range stats {
		g.AddNode(simple.Node(int64(i)))
	}
	for i := range stats {
		for j := i + 1; j < len(stats); j++ {
			a, b := stats[i].Position, stats[j].Position
			if geo.Within(&a, &b, p.th.RouterDensityM) {
				g.SetEdge(simple.Edge{F: simple.Node(int64(i)), T: simple.Node(int64(j))})
			}
		}
	}

	var out []Cluster
	for _, comp := range topo.ConnectedComponents(g) {
		if len(comp) < 2 {
			continue
		}
		members := make([]RouterStats, len(comp))
		for i, n := range comp {
			members[i] = stats[n.ID()]
		}
		sort.SliceStable(members, func(i, j int) bool {
			a, b := members[i], members[j]
			if a.RelayCount != b.RelayCount {
				return a.RelayCount > b.RelayCount
			}
			if a.Neighbors != b.Neighbors {
				return a.Neighbors > b.Neighbors
			}
			return a.ID < b.ID
		})

		c := Cluster{Members: members}
		for i := range members {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i].Position, members[j].Position
				c.Distances = append(c.Distances, PairDistance{
					A:         members[i].Name,
					B:         members[j].Name,
					DistanceM: geo.Distance(&a, &b),
				})
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Size() != out[j].Size() {
			return out[i].Size() > out[j].Size()
		}
		return out[i].Best().ID < out[j].Best().ID
	})

	for _, c := range out {
		names := make([]string, 0, c.Size()-1)
		for _, o := range c.Others() {
			names = append(names, o.Name)
		}
		best := c.Best()
		p.add(CategoryTopology, best.ID,
			"High Router Density! Found cluster of %d routers. Best positioned seems to be '%s' (%d relays). Consider changing others to CLIENT: %s.",
			c.Size(), best.Name, best.RelayCount, strings.Join(names, ", "))
	}
	return out
}
