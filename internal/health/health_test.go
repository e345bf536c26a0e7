package health

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshmon/internal/config"
	"meshmon/internal/model"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(now)
	return New(config.Thresholds{}, false, WithClock(mock), WithLogger(zaptest.NewLogger(t)))
}

func at(lat, lon float64) *model.Position {
	return &model.Position{Lat: lat, Lon: lon}
}

func nodeID(i int) string {
	return model.FormatNodeNum(uint32(i))
}

func mk(i int, role model.Role, pos *model.Position) model.Node {
	return model.Node{ID: nodeID(i), LongName: fmt.Sprintf("node-%d", i), Role: role, Position: pos, LastHeard: now.Add(-time.Minute)}
}

func db(nodes ...model.Node) model.NodeDB {
	out := make(model.NodeDB, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func issuesIn(rep Report, cat Category) []Issue {
	var out []Issue
	for _, is := range rep.Issues {
		if is.Category == cat {
			out = append(out, is)
		}
	}
	return out
}

func success(target string, route, back []string) model.ProbeResult {
	return model.ProbeResult{Target: target, Status: model.ProbeSuccess, Route: route, RouteBack: back, HopsTo: len(route), HopsBack: len(back)}
}

func TestNodeChecks(t *testing.T) {
	t.Parallel()

	low := 10
	hot := mk(1, model.RoleClient, at(0, 0))
	hot.Metrics = model.DeviceMetrics{ChannelUtilization: 40, AirUtilTx: 9}
	legacy := mk(2, model.RoleRouterClient, at(1, 1))
	blind := mk(3, model.RoleRouter, nil)
	flat := mk(4, model.RoleRepeater, at(2, 2))
	flat.Metrics.Battery = &low
	fine := mk(5, model.RoleClient, nil)

	rep := newAnalyzer(t).Analyze(Input{Nodes: db(hot, legacy, blind, flat, fine)})

	congestion := issuesIn(rep, CategoryCongestion)
	require.Len(t, congestion, 2)
	assert.Equal(t, "Congestion: Node 'node-1' reports ChUtil 40.0% (Threshold: 25%)", congestion[0].String())
	assert.Contains(t, congestion[1].Message, "AirUtilTx 9.0%")

	cfg := issuesIn(rep, CategoryConfig)
	require.Len(t, cfg, 2)
	assert.Contains(t, cfg[0].Message, "deprecated role 'ROUTER_CLIENT'")
	assert.Contains(t, cfg[1].Message, "'ROUTER' but has no position")
	assert.Equal(t, nodeID(3), cfg[1].Node)

	hl := issuesIn(rep, CategoryHealth)
	require.Len(t, hl, 1)
	assert.Contains(t, hl[0].Message, "(REPEATER) has low battery: 10%")
}

func TestNodeChecks_IgnoreNoPosition(t *testing.T) {
	t.Parallel()

	a := New(config.Thresholds{}, true)
	rep := a.Analyze(Input{Nodes: db(mk(3, model.RoleRouter, nil))})
	assert.Empty(t, issuesIn(rep, CategoryConfig))
}

func TestPacketChecks(t *testing.T) {
	t.Parallel()

	far := mk(7, model.RoleClient, nil)
	far.HopsAway = 5
	near := mk(8, model.RoleClient, nil)
	near.HopsAway = 1

	var pkts []model.Packet
	for i := 0; i < 4; i++ {
		pkts = append(pkts, model.Packet{ID: 0xbeef, From: nodeID(7)})
	}
	for i := 0; i < 3; i++ {
		pkts = append(pkts, model.Packet{ID: 0xcafe, From: nodeID(8)})
	}
	pkts = append(pkts, model.Packet{ID: 0, From: "7"})

	rep := newAnalyzer(t).Analyze(Input{Nodes: db(far, near), Packets: pkts})

	spam := issuesIn(rep, CategorySpam)
	require.Len(t, spam, 1)
	assert.Contains(t, spam[0].Message, "Detected 4 duplicates for Packet ID 48879")

	topo := issuesIn(rep, CategoryTopology)
	require.Len(t, topo, 1, "one issue per sender")
	assert.Equal(t, "Topology: Node 'node-7' is 5 hops away. (Ideally <= 3)", topo[0].String())
}

func TestClusters_ThreeRoutersOneComponent(t *testing.T) {
	t.Parallel()

	nodes := db(
		mk(1, model.RoleRouter, at(0, 0)),
		mk(2, model.RoleRouter, at(0, 0.005)),
		mk(3, model.RoleRouter, at(0, 0.01)),
	)
	results := []model.ProbeResult{success(nodeID(9), []string{nodeID(2)}, nil)}
	rep := newAnalyzer(t).Analyze(Input{Nodes: nodes, Results: results})

	require.Len(t, rep.Clusters, 1)
	c := rep.Clusters[0]
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, nodeID(2), c.Best().ID)
	assert.Len(t, c.Distances, 3)
	for _, d := range c.Distances {
		assert.Greater(t, d.DistanceM, 0.0)
		assert.Less(t, d.DistanceM, config.DefaultRouterDensityM)
	}

	topo := issuesIn(rep, CategoryTopology)
	require.Len(t, topo, 1)
	assert.Contains(t, topo[0].Message, "cluster of 3 routers")
	assert.Contains(t, topo[0].Message, "'node-2' (1 relays)")
}

func TestClusters_ChainIsOneComponent(t *testing.T) {
	t.Parallel()

	// 1-2 and 2-3 are ~1.5 km apart, 1-3 is ~3 km.
	nodes := db(
		mk(1, model.RoleRouter, at(0, 0)),
		mk(2, model.RoleRouter, at(0, 0.0135)),
		mk(3, model.RoleRouter, at(0, 0.027)),
	)
	rep := newAnalyzer(t).Analyze(Input{Nodes: nodes})

	require.Len(t, rep.Clusters, 1)
	assert.Equal(t, 3, rep.Clusters[0].Size())
	// Ties on relays fall to neighbor count: the middle router sees both.
	assert.Equal(t, nodeID(2), rep.Clusters[0].Best().ID)
}

func TestClusters_SingletonsNotReported(t *testing.T) {
	t.Parallel()

	nodes := db(
		mk(1, model.RoleRouter, at(0, 0)),
		mk(2, model.RoleRouter, at(1, 1)),
		mk(3, model.RoleClient, at(0, 0.001)),
	)
	rep := newAnalyzer(t).Analyze(Input{Nodes: nodes})

	assert.Empty(t, rep.Clusters)
	assert.Empty(t, issuesIn(rep, CategoryTopology))
	assert.Len(t, rep.RouterStats, 2)
}

func TestClusters_PositionlessNeverColocated(t *testing.T) {
	t.Parallel()

	nodes := db(
		mk(1, model.RoleRouter, at(0, 0)),
		mk(2, model.RoleRouter, nil),
		mk(3, model.RoleClient, nil),
	)
	a := New(config.Thresholds{}, true)
	rep := a.Analyze(Input{Nodes: nodes})

	assert.Empty(t, rep.Clusters)
	require.Len(t, rep.RouterStats, 1)
	assert.Zero(t, rep.RouterStats[0].Neighbors)
	assert.Zero(t, rep.RouterStats[0].RoutersNearby)
}

func TestRouterStats_Labels(t *testing.T) {
	t.Parallel()

	hub := mk(1, model.RoleRouter, at(0, 0))
	hub.Metrics.ChannelUtilization = 22
	nodes := db(
		hub,
		mk(2, model.RoleRouter, at(0, 0.001)),
		mk(3, model.RoleRepeater, at(0, 0.002)),
		mk(4, model.RoleClient, at(0, 0.003)),
		mk(5, model.RoleClient, at(0, 0.004)),
		mk(6, model.RoleClient, at(0, 0.005)),
		mk(7, model.RoleClient, at(0.5, 0.5)),
	)
	results := []model.ProbeResult{
		success(nodeID(4), []string{nodeID(2)}, []string{nodeID(2)}),
		success(nodeID(5), nil, []string{nodeID(3)}),
		{Target: nodeID(6), Status: model.ProbeTimeout, Route: []string{nodeID(1)}},
	}
	a := newAnalyzer(t)
	rep := a.Analyze(Input{Nodes: nodes, Results: results})

	byID := make(map[string]RouterStats)
	for _, s := range rep.RouterStats {
		byID[s.ID] = s
	}
	h := byID[nodeID(1)]
	assert.Equal(t, 5, h.Neighbors)
	assert.Equal(t, 2, h.RoutersNearby)
	assert.Zero(t, h.RelayCount, "timeouts never count")
	assert.Equal(t, []string{StatusRedundant, StatusCongested}, h.Status)
	assert.Equal(t, "Redundant, Congested", h.StatusString())

	assert.Equal(t, 1, byID[nodeID(2)].RelayCount, "once per result")
	assert.Equal(t, 1, byID[nodeID(3)].RelayCount)

	eff := issuesIn(rep, CategoryEfficiency)
	var texts []string
	for _, is := range eff {
		texts = append(texts, is.Message)
	}
	joined := strings.Join(texts, "\n")
	assert.Contains(t, joined, "Router 'node-1' is Redundant. Has 2 other routers within 2.0km")
	assert.Contains(t, joined, "Router 'node-1' is Congested (ChUtil 22.0% > 20%)")

	assert.Equal(t, rep.RouterStats, a.RouterStats())
	assert.Equal(t, rep.Clusters, a.Clusters())
}

func TestRouterStats_Ineffective(t *testing.T) {
	t.Parallel()

	nodes := db(mk(1, model.RoleRouter, at(0, 0)))
	for i := 2; i <= 7; i++ {
		nodes[nodeID(i)] = mk(i, model.RoleClient, at(0, float64(i)*0.001))
	}
	rep := newAnalyzer(t).Analyze(Input{Nodes: nodes})

	require.Len(t, rep.RouterStats, 1)
	assert.True(t, rep.RouterStats[0].Has(StatusIneffective))
	assert.Contains(t, issuesIn(rep, CategoryEfficiency)[0].Message, "Has 6 neighbors but relayed 0 packets")
}

func TestChannelUtilization(t *testing.T) {
	t.Parallel()

	build := func(hot int) model.NodeDB {
		nodes := make(model.NodeDB)
		for i := 1; i <= 10; i++ {
			n := mk(i, model.RoleClient, nil)
			if i <= hot {
				n.Metrics.ChannelUtilization = 30
			}
			nodes[n.ID] = n
		}
		stale := mk(11, model.RoleClient, nil)
		stale.LastHeard = now.Add(-3 * time.Hour)
		stale.Metrics.ChannelUtilization = 90
		nodes[stale.ID] = stale
		nodes[nodeID(12)] = model.Node{ID: nodeID(12), Metrics: model.DeviceMetrics{ChannelUtilization: 90}}
		return nodes
	}

	a := newAnalyzer(t)

	rep := a.Analyze(Input{Nodes: build(4)})
	assert.Equal(t, DistributionWidespread, rep.ChannelUtil.Type)
	assert.Equal(t, 10, rep.ChannelUtil.ActiveCount)
	assert.Equal(t, 4, rep.ChannelUtil.AffectedCount)

	rep = a.Analyze(Input{Nodes: build(2)})
	assert.Equal(t, DistributionIsolated, rep.ChannelUtil.Type)
	assert.Equal(t, 2, a.ChannelUtilization().AffectedCount)

	rep = a.Analyze(Input{Nodes: build(0)})
	assert.Equal(t, DistributionNone, rep.ChannelUtil.Type)
}

func TestClientOverRouter(t *testing.T) {
	t.Parallel()

	nodes := db(
		mk(1, model.RoleRouter, at(0, 0)),
		mk(2, model.RoleClient, at(0, 0.005)),
		mk(3, model.RoleClient, at(0, 0.5)), // too far
		mk(4, model.RoleClient, at(0, 0.006)),
	)
	results := []model.ProbeResult{
		success(nodeID(9), []string{nodeID(2), nodeID(3)}, []string{nodeID(2)}),
		success(nodeID(8), []string{nodeID(3)}, []string{nodeID(1), nodeID(4)}),
	}
	rep := newAnalyzer(t).Analyze(Input{Nodes: nodes, Results: results})

	var flagged []Issue
	for _, is := range issuesIn(rep, CategoryEfficiency) {
		if strings.Contains(is.Message, "nearby client") {
			flagged = append(flagged, is)
		}
	}
	// Router relayed once; client 2 relayed twice, client 4 only once.
	require.Len(t, flagged, 1)
	assert.Contains(t, flagged[0].Message, "Router 'node-1' has 1 relays, but nearby client 'node-2'")
	assert.Equal(t, nodeID(1), flagged[0].Node)
}

func TestRouteQuality(t *testing.T) {
	t.Parallel()

	fav := mk(5, model.RoleRouter, nil)
	fav.Favorite = true
	nodes := db(mk(1, model.RoleClient, nil), fav)
	weak := -12.5
	long := success(nodeID(1), []string{"!000000a1", "!000000a2", "!000000a3", nodeID(5)}, nil)
	long.SNR = &weak

	rep := New(config.Thresholds{}, true).Analyze(Input{Nodes: nodes, Results: []model.ProbeResult{long, long}})

	rq := issuesIn(rep, CategoryRouteQuality)
	require.Len(t, rq, 3, "duplicates collapse")
	assert.Equal(t, "Route Quality: Long path to 'node-1' (4 hops). Latency risk.", rq[0].String())
	assert.Contains(t, rq[1].Message, "uses Favorite Router 'node-5'")
	assert.Contains(t, rq[2].Message, "Weak signal to 'node-1' (SNR -12.50dB)")
}

func TestNetworkSize(t *testing.T) {
	t.Parallel()

	nodes := make(model.NodeDB)
	for i := 1; i <= 61; i++ {
		nodes[nodeID(i)] = mk(i, model.RoleClient, nil)
	}
	rep := newAnalyzer(t).Analyze(Input{Nodes: nodes})

	ns := issuesIn(rep, CategoryNetworkSize)
	require.Len(t, ns, 1)
	assert.True(t, strings.HasPrefix(ns[0].Message, "61 active nodes detected (seen in last 2.0h)"))
	assert.Equal(t, 61, rep.ActiveNodes)
}

func TestSignalVsDistance(t *testing.T) {
	t.Parallel()

	poor, good := -8.0, 6.0
	nearby := mk(2, model.RoleClient, at(0, 0.005))
	nearby.SNR = &poor
	fine := mk(3, model.RoleClient, at(0, 0.004))
	fine.SNR = &good
	farAway := mk(4, model.RoleClient, at(0, 0.5))
	farAway.SNR = &poor
	local := mk(1, model.RoleClient, at(0, 0))
	local.SNR = &poor

	rep := newAnalyzer(t).Analyze(Input{Nodes: db(local, nearby, fine, farAway), Local: &local})

	perf := issuesIn(rep, CategoryPerformance)
	require.Len(t, perf, 1)
	assert.Contains(t, perf[0].Message, "Node 'node-2' is close (556m) but has poor SNR (-8.0dB)")
}

func TestCheckLocalNode(t *testing.T) {
	t.Parallel()

	assert.Empty(t, CheckLocalNode(model.Node{Role: model.RoleClientMute}, 3))

	got := CheckLocalNode(model.Node{ID: "1", Role: model.RoleRouter}, 7)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Message, "'ROUTER'")
	assert.Contains(t, got[1].Message, "hop limit is 7")
}

func TestAnalyze_UnknownRoleIsClient(t *testing.T) {
	t.Parallel()

	odd := mk(1, model.ParseRole("WIZARD"), at(0, 0))
	rep := newAnalyzer(t).Analyze(Input{Nodes: db(odd, mk(2, model.Role(99), at(0, 0.001)))})
	assert.Empty(t, rep.RouterStats)
	assert.Empty(t, rep.Issues)
}
