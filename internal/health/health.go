// Package health inspects a node directory snapshot, recent packets and probe
// results, and reports problems with the mesh.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshmon/internal/config"
	"meshmon/internal/model"
)

// Category prefixes every issue message.
type Category string

const (
	CategoryCongestion   Category = "Congestion"
	CategorySpam         Category = "Spam"
	CategoryConfig       Category = "Config"
	CategoryHealth       Category = "Health"
	CategoryTopology     Category = "Topology"
	CategoryNetworkSize  Category = "Network Size"
	CategoryPerformance  Category = "Performance"
	CategoryEfficiency   Category = "Efficiency"
	CategoryRouteQuality Category = "Route Quality"
)

// Issue is one finding.
type Issue struct {
	Category Category
	Node     string // node id the issue is about, if any
	Message  string
}

func (i Issue) String() string {
	return string(i.Category) + ": " + i.Message
}

// Input is everything one analysis pass looks at. Packets should already be
// limited to the recent history window.
type Input struct {
	Nodes   model.NodeDB
	Packets []model.Packet
	Local   *model.Node
	Results []model.ProbeResult
}

// Report is the output of one pass.
type Report struct {
	GeneratedAt time.Time
	Issues      []Issue
	Clusters    []Cluster
	RouterStats []RouterStats
	ChannelUtil Distribution
	ActiveNodes int
}

// Strings renders the issue list.
func (r Report) Strings() []string {
	out := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = is.String()
	}
	return out
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock replaces the wall clock used for activity windows.
func WithClock(c clock.Clock) Option {
	return func(a *Analyzer) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Analyzer) {
		if log != nil {
			a.log = log
		}
	}
}

// Analyzer runs health checks. The most recent report is kept for reporting.
type Analyzer struct {
	clock clock.Clock
	log   *zap.Logger

	mu               sync.RWMutex
	th               config.Thresholds
	ignoreNoPosition bool
	last             Report
}

// New creates an analyzer. Zero thresholds fall back to defaults.
func New(th config.Thresholds, ignoreNoPosition bool, opts ...Option) *Analyzer {
	a := &Analyzer{
		clock:            clock.New(),
		log:              zap.NewNop(),
		th:               withDefaults(th),
		ignoreNoPosition: ignoreNoPosition,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetThresholds swaps thresholds for subsequent passes.
func (a *Analyzer) SetThresholds(th config.Thresholds, ignoreNoPosition bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.th = withDefaults(th)
	a.ignoreNoPosition = ignoreNoPosition
}

func withDefaults(th config.Thresholds) config.Thresholds {
	cfg := config.Config{Thresholds: th}
	config.ApplyDefaults(&cfg)
	return cfg.Thresholds
}

// Analyze runs every check and returns the report.
func (a *Analyzer) Analyze(in Input) Report {
	a.mu.RLock()
	p := pass{
		th:               a.th,
		ignoreNoPosition: a.ignoreNoPosition,
		now:              a.clock.Now(),
		log:              a.log,
		in:               in,
		ids:              in.Nodes.SortedIDs(),
	}
	a.mu.RUnlock()

	rep := p.run()

	a.mu.Lock()
	a.last = rep
	a.mu.Unlock()
	return rep
}

// Last returns the most recent report.
func (a *Analyzer) Last() Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Clusters returns the router clusters of the most recent pass.
func (a *Analyzer) Clusters() []Cluster {
	return a.Last().Clusters
}

// RouterStats returns per-router statistics of the most recent pass.
func (a *Analyzer) RouterStats() []RouterStats {
	return a.Last().RouterStats
}

// ChannelUtilization returns the utilization distribution of the most recent pass.
func (a *Analyzer) ChannelUtilization() Distribution {
	return a.Last().ChannelUtil
}

// pass holds the state of one Analyze call.
type pass struct {
	th               config.Thresholds
	ignoreNoPosition bool
	now              time.Time
	log              *zap.Logger
	in               Input
	ids              []string
	issues           []Issue
}

func (p *pass) add(cat Category, node, format string, args ...any) {
	p.issues = append(p.issues, Issue{Category: cat, Node: node, Message: fmt.Sprintf(format, args...)})
}

func (p *pass) run() Report {
	for _, id := range p.ids {
		p.guard("node checks", id, func() { p.checkNode(id, p.in.Nodes[id]) })
	}

	if len(p.in.Packets) > 0 {
		p.guard("duplicate packets", "", p.checkDuplicates)
		p.guard("hop counts", "", p.checkHopCounts)
	}

	stats := p.routerStats()
	clusters := p.clusters(stats)
	p.efficiencyIssues(stats)

	active := p.activeCount()
	p.checkNetworkSize(active)
	if p.in.Local != nil {
		p.guard("signal vs distance", "", p.checkSignalVsDistance)
	}

	dist := p.channelUtilization()
	p.guard("client relaying", "", p.checkClientsOverRouters)
	p.guard("route quality", "", p.checkRouteQuality)

	return Report{
		GeneratedAt: p.now,
		Issues:      p.issues,
		Clusters:    clusters,
		RouterStats: stats,
		ChannelUtil: dist,
		ActiveNodes: active,
	}
}

// guard isolates a check so a malformed record cannot abort the pass.
func (p *pass) guard(check, node string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("health check failed", zap.String("check", check), zap.String("node", node), zap.Any("panic", r))
		}
	}()
	fn()
}

func (p *pass) isActive(n model.Node) bool {
	return !n.LastHeard.IsZero() && p.now.Sub(n.LastHeard) < p.th.ActiveWindow
}

func (p *pass) activeCount() int {
	count := 0
	for _, id := range p.ids {
		if p.isActive(p.in.Nodes[id]) {
			count++
		}
	}
	return count
}

func (p *pass) name(id string) string {
	if n, ok := p.in.Nodes.Lookup(id); ok {
		if n.LongName != "" || n.ShortName != "" {
			return n.DisplayName()
		}
	}
	if id == "" {
		return "Unknown"
	}
	return id
}
