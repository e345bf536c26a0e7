package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshmon/internal/config"
	"meshmon/internal/discovery"
	"meshmon/internal/health"
	"meshmon/internal/metrics"
	"meshmon/internal/model"
	"meshmon/internal/routes"
	"meshmon/internal/scheduler"
	"meshmon/internal/store"
)

// ErrTransportClosed is returned by Run when the transport stops delivering
// before the context is cancelled.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the monitor's view of the mesh gateway.
type Transport interface {
	scheduler.Sender
	scheduler.NodeSource
	LocalNode() model.Node
	Responses() <-chan model.ProbeResponse
	Packets() <-chan model.Packet
}

// CycleReport is produced every time the configured number of probe cycles
// completes.
type CycleReport struct {
	ID      string
	Cycles  int
	Results []model.ProbeResult
	Health  health.Report
	Routes  routes.Analysis
	Summary metrics.Summary
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock driving tickers and analysis timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// WithCollector publishes state to a Prometheus collector. When the config
// has a metrics listen address the collector is also served.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Monitor) { m.collector = c }
}

// WithHistory persists report cycles.
func WithHistory(h *store.History) Option {
	return func(m *Monitor) { m.history = h }
}

// WithConfigPath reloads probe settings and thresholds when the file changes.
func WithConfigPath(path string) Option {
	return func(m *Monitor) { m.configPath = path }
}

// WithReportHook is called after every report cycle.
func WithReportHook(fn func(CycleReport)) Option {
	return func(m *Monitor) { m.onReport = fn }
}

// Monitor ties the scheduler, analyzers and persistence to one transport.
type Monitor struct {
	transport  Transport
	clock      clock.Clock
	log        *zap.Logger
	collector  *metrics.Collector
	history    *store.History
	configPath string
	onReport   func(CycleReport)

	sched   *scheduler.Scheduler
	health  *health.Analyzer
	packets *PacketHistory

	mu       sync.Mutex
	cfg      config.Config
	reported int
	ticker   *clock.Ticker
}

// New builds a monitor. cfg is defaulted and validated.
func New(cfg config.Config, transport Transport, opts ...Option) (*Monitor, error) {
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	strategy, err := discovery.New(cfg.Discovery)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		transport: transport,
		clock:     clock.New(),
		log:       zap.NewNop(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sched = scheduler.New(scheduler.SettingsFrom(cfg.Probe), transport,
		scheduler.WithClock(m.clock),
		scheduler.WithLogger(m.log.Named("scheduler")),
		scheduler.WithDiscovery(strategy, transport),
		scheduler.WithResultHook(m.observeResult),
	)
	m.health = health.New(cfg.Thresholds, cfg.IgnoreNoPosition,
		health.WithClock(m.clock),
		health.WithLogger(m.log.Named("health")),
	)
	m.packets = NewPacketHistory(cfg.Report.PacketCapacity, cfg.Report.PacketWindow)
	return m, nil
}

// Run is New followed by Monitor.Run.
func Run(ctx context.Context, cfg config.Config, transport Transport, opts ...Option) error {
	m, err := New(cfg, transport, opts...)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// Scheduler exposes the probe scheduler.
func (m *Monitor) Scheduler() *scheduler.Scheduler {
	return m.sched
}

// Packets exposes the packet history.
func (m *Monitor) Packets() *PacketHistory {
	return m.packets
}

// Run blocks until ctx is done or a component fails.
func (m *Monitor) Run(ctx context.Context) error {
	cfg := m.config()
	m.checkLocal(cfg)

	m.mu.Lock()
	m.ticker = m.clock.Ticker(cfg.Probe.Tick)
	m.mu.Unlock()
	defer m.ticker.Stop()
	analysis := m.clock.Ticker(cfg.Report.AnalysisInterval)
	defer analysis.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-m.ticker.C:
				action := m.sched.Tick(ctx)
				if action != scheduler.ActionPending && action != scheduler.ActionThrottled {
					m.log.Debug("scheduler tick", zap.Stringer("action", action))
				}
				m.maybeReport(ctx)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-analysis.C:
				m.Analyze()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case resp, ok := <-m.transport.Responses():
				if !ok {
					return ErrTransportClosed
				}
				if m.sched.HandleResponse(resp) {
					m.maybeReport(ctx)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case p, ok := <-m.transport.Packets():
				if !ok {
					return ErrTransportClosed
				}
				m.packets.Add(p)
				if m.collector != nil {
					m.collector.ObservePacket()
				}
			}
		}
	})
	if m.collector != nil && cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, m.collector, m.log.Named("metrics"))
		g.Go(func() error { return srv.Run(ctx) })
	}
	if m.configPath != "" {
		w := config.NewWatcher(m.configPath, m.log.Named("config"))
		g.Go(func() error { return w.Run(ctx, m.ApplyConfig) })
	}

	m.log.Info("monitor started",
		zap.Duration("tick", cfg.Probe.Tick),
		zap.Duration("interval", cfg.Probe.Interval),
		zap.Strings("targets", cfg.Probe.Targets),
		zap.String("strategy", cfg.Discovery.Strategy))

	err := g.Wait()
	m.sched.Wait()
	return err
}

// ApplyConfig swaps probe settings and thresholds on a running monitor.
// Discovery strategy changes need a restart.
func (m *Monitor) ApplyConfig(cfg config.Config) {
	config.ApplyDefaults(&cfg)
	m.mu.Lock()
	prev := m.cfg
	m.cfg = cfg
	if m.ticker != nil && cfg.Probe.Tick != prev.Probe.Tick {
		m.ticker.Reset(cfg.Probe.Tick)
	}
	m.mu.Unlock()

	m.sched.UpdateSettings(scheduler.SettingsFrom(cfg.Probe))
	m.health.SetThresholds(cfg.Thresholds, cfg.IgnoreNoPosition)
	if cfg.Discovery.Strategy != prev.Discovery.Strategy {
		m.log.Warn("discovery strategy change ignored until restart",
			zap.String("running", prev.Discovery.Strategy), zap.String("configured", cfg.Discovery.Strategy))
	}
	m.log.Info("settings applied",
		zap.Duration("interval", cfg.Probe.Interval),
		zap.Duration("timeout", cfg.Probe.Timeout),
		zap.Strings("targets", cfg.Probe.Targets))
}

// Analyze runs a health pass over the current state without resetting
// anything.
func (m *Monitor) Analyze() health.Report {
	rep := m.health.Analyze(m.input(m.sched.Results()))
	if m.collector != nil {
		m.collector.ObserveReport(rep)
		m.collector.SetSchedulerState(m.sched.CompletedCycles(), len(m.sched.Targets()))
	}
	m.log.Debug("analysis pass", zap.Int("issues", len(rep.Issues)), zap.Int("active_nodes", rep.ActiveNodes))
	return rep
}

func (m *Monitor) input(results []model.ProbeResult) health.Input {
	nodes := m.transport.Nodes()
	in := health.Input{
		Nodes:   nodes,
		Packets: m.packets.Recent(),
		Results: results,
	}
	if n, ok := nodes.Lookup(m.transport.LocalID()); ok {
		in.Local = &n
	}
	return in
}

func (m *Monitor) config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Monitor) checkLocal(cfg config.Config) {
	local := m.transport.LocalNode()
	if local.ID == "" {
		return
	}
	for _, is := range health.CheckLocalNode(local, cfg.Probe.HopLimit) {
		m.log.Warn("local node configuration", zap.String("node", is.Node), zap.String("issue", is.Message))
	}
}

func (m *Monitor) observeResult(r model.ProbeResult) {
	if m.collector != nil {
		m.collector.ObserveResult(r)
	}
}

// maybeReport runs a report cycle once enough probe cycles have completed
// since the last one.
func (m *Monitor) maybeReport(ctx context.Context) {
	cycles := m.sched.CompletedCycles()
	m.mu.Lock()
	cfg := m.cfg
	if cycles-m.reported < cfg.Report.Cycles {
		m.mu.Unlock()
		return
	}
	m.reported = cycles
	m.mu.Unlock()

	m.report(ctx, cfg, cycles)
}

func (m *Monitor) report(ctx context.Context, cfg config.Config, cycles int) {
	results := m.sched.ResetResults()
	in := m.input(results)
	rep := CycleReport{
		ID:      uuid.NewString(),
		Cycles:  cycles,
		Results: results,
		Health:  m.health.Analyze(in),
		Routes:  routes.Analyzer{Nodes: in.Nodes, Local: m.transport.LocalID()}.Analyze(results),
		Summary: metrics.Summarize(results, time.Time{}),
	}
	log := m.log.With(zap.String("report", rep.ID))

	if m.history != nil {
		if _, err := m.history.SaveReport(ctx, store.ReportRecord{
			ID:        rep.ID,
			CreatedAt: rep.Health.GeneratedAt,
			Cycles:    cycles,
			Results:   results,
			Issues:    rep.Health.Issues,
		}); err != nil {
			log.Error("store report failed", zap.Error(err))
		}
	}
	if cfg.Report.CSVPath != "" {
		if err := metrics.AppendCSV(cfg.Report.CSVPath, results); err != nil {
			log.Error("append csv failed", zap.String("path", cfg.Report.CSVPath), zap.Error(err))
		}
	}
	if cfg.Report.SnapshotPath != "" {
		if err := store.SaveSnapshot(cfg.Report.SnapshotPath, store.NewSnapshot(in.Nodes, m.transport.LocalID())); err != nil {
			log.Error("save snapshot failed", zap.String("path", cfg.Report.SnapshotPath), zap.Error(err))
		}
	}
	if m.collector != nil {
		m.collector.ObserveReport(rep.Health)
		m.collector.ObserveRoutes(rep.Routes)
		m.collector.SetSchedulerState(cycles, len(m.sched.Targets()))
	}

	log.Info("report cycle complete",
		zap.Int("cycles", cycles),
		zap.Int("results", rep.Summary.Count),
		zap.Float64("success_rate", rep.Summary.SuccessRate),
		zap.Int("issues", len(rep.Health.Issues)))
	for _, is := range rep.Health.Issues {
		log.Warn("network issue",
			zap.String("category", string(is.Category)),
			zap.String("node", is.Node),
			zap.String("message", is.Message))
	}
	for _, b := range rep.Routes.Bottlenecks {
		log.Info("relay bottleneck", zap.String("node", b.ID), zap.String("name", b.Name), zap.Int("destinations", b.DestinationsServed))
	}
	if m.onReport != nil {
		m.onReport(rep)
	}
}
