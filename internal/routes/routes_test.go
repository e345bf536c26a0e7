package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmon/internal/model"
)

func ok(target string, route, back []string) model.ProbeResult {
	return model.ProbeResult{Target: target, Status: model.ProbeSuccess, Route: route, RouteBack: back}
}

func TestRelayUsage_CountsBothDirections(t *testing.T) {
	t.Parallel()

	results := []model.ProbeResult{
		ok("!000000d1", []string{"!00000001", "!00000002"}, []string{"!00000002", "!00000001"}),
		{Target: "!000000d1", Status: model.ProbeTimeout, Route: []string{"!00000001"}},
	}
	got := Analyzer{}.Analyze(results)

	assert.Equal(t, 1, got.TotalRoutes)
	assert.Equal(t, []RelayUsage{
		{ID: "!00000001", Name: "!00000001", Count: 2},
		{ID: "!00000002", Name: "!00000002", Count: 2},
	}, got.RelayUsage)
}

func TestRelayUsage_ExcludesDestination(t *testing.T) {
	t.Parallel()

	nodes := model.NodeDB{"!00000001": {ID: "!00000001", LongName: "Hilltop"}}
	results := []model.ProbeResult{ok("!000000d1", []string{"1", "!000000d1"}, nil)}
	got := Analyzer{Nodes: nodes}.Analyze(results)

	require.Len(t, got.RelayUsage, 1)
	assert.Equal(t, "!00000001", got.RelayUsage[0].ID)
	assert.Equal(t, "Hilltop", got.RelayUsage[0].Name)
}

func TestBottlenecks_TopFiveByDestinations(t *testing.T) {
	t.Parallel()

	var results []model.ProbeResult
	// Relay !00000001 serves three destinations, the rest one each.
	for _, d := range []string{"!000000a1", "!000000a2", "!000000a3"} {
		results = append(results, ok(d, []string{"!00000001"}, nil))
	}
	for _, relay := range []string{"!00000002", "!00000003", "!00000004", "!00000005", "!00000006"} {
		results = append(results, ok("!000000a1", []string{relay}, nil))
	}
	// Repeated destination does not inflate the count.
	results = append(results, ok("!000000a1", []string{"!00000002"}, nil))

	got := Analyzer{}.Analyze(results).Bottlenecks
	require.Len(t, got, TopBottlenecks)
	assert.Equal(t, "!00000001", got[0].ID)
	assert.Equal(t, 3, got[0].DestinationsServed)
	assert.Equal(t, []string{"!000000a1", "!000000a2", "!000000a3"}, got[0].Destinations)
	for _, b := range got[1:] {
		assert.Equal(t, 1, b.DestinationsServed)
	}
}

func TestCommonPaths_Stability(t *testing.T) {
	t.Parallel()

	results := []model.ProbeResult{
		ok("!000000d1", []string{"!00000001", "!00000002"}, nil),
		ok("!000000d1", []string{"!00000003"}, nil),
		ok("!000000d1", []string{"!00000001", "!00000002"}, nil),
	}
	got := Analyzer{}.Analyze(results).CommonPaths

	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, "!000000d1", p.Destination)
	assert.Equal(t, []string{"!00000001", "!00000002"}, p.Path)
	assert.Equal(t, 2, p.Count)
	assert.Equal(t, 3, p.Total)
	assert.InDelta(t, 66.67, p.Stability, 0.01)
	assert.Equal(t, "!00000001 -> !00000002", p.PathString())
}

func TestCommonPaths_TieKeepsFirstSeen(t *testing.T) {
	t.Parallel()

	results := []model.ProbeResult{
		ok("!000000d1", []string{"!00000003"}, nil),
		ok("!000000d1", []string{"!00000001"}, nil),
		ok("!000000d1", nil, nil),
	}
	got := Analyzer{}.Analyze(results).CommonPaths

	require.Len(t, got, 1)
	assert.Equal(t, []string{"!00000003"}, got[0].Path)
	assert.Equal(t, 2, got[0].Total, "direct answers carry no path")
	assert.InDelta(t, 50.0, got[0].Stability, 0.001)
}

func TestLinkQuality(t *testing.T) {
	t.Parallel()

	a := Analyzer{Local: "!000000ff"}
	res := ok("!000000d1", []string{"!00000001"}, nil)
	res.SNRTowards = []float64{8, 4}
	res.SNRBack = []float64{2}
	res2 := res
	res2.SNRTowards = []float64{6, 4}
	res2.SNRBack = nil

	got := a.Analyze([]model.ProbeResult{res, res2}).LinkQuality
	byLink := make(map[Link]LinkQuality)
	for _, lq := range got {
		byLink[lq.Link] = lq
	}

	up := byLink[Link{From: "!000000ff", To: "!00000001"}]
	assert.Equal(t, 2, up.Samples)
	assert.InDelta(t, 7.0, up.MeanSNR, 1e-9)
	assert.InDelta(t, 4.0, byLink[Link{From: "!00000001", To: "!000000d1"}].MeanSNR, 1e-9)
	assert.InDelta(t, 2.0, byLink[Link{From: "!000000d1", To: "!000000ff"}].MeanSNR, 1e-9)
}

func TestAnalyze_Empty(t *testing.T) {
	t.Parallel()

	got := Analyzer{}.Analyze(nil)
	assert.Zero(t, got.TotalRoutes)
	assert.Empty(t, got.RelayUsage)
	assert.Empty(t, got.Bottlenecks)
	assert.Empty(t, got.CommonPaths)
}
