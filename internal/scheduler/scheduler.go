// Package scheduler runs active traceroute probes against a round-robin target
// list, one outstanding probe at a time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshmon/internal/config"
	"meshmon/internal/discovery"
	"meshmon/internal/model"
)

// Sender hands a probe to the mesh transport. It must not wait for the answer.
type Sender interface {
	SendProbe(ctx context.Context, target string, hopLimit int) error
}

// NodeSource supplies the directory snapshot used for target discovery.
type NodeSource interface {
	Nodes() model.NodeDB
	LocalID() string
}

// Action is what a single Tick did.
type Action int

const (
	ActionIdle Action = iota
	ActionTimeout
	ActionSend
	ActionPending
	ActionThrottled
	ActionNoTargets
)

func (a Action) String() string {
	switch a {
	case ActionTimeout:
		return "timeout"
	case ActionSend:
		return "send"
	case ActionPending:
		return "pending"
	case ActionThrottled:
		return "throttled"
	case ActionNoTargets:
		return "no_targets"
	}
	return "idle"
}

// Settings are the probe timings the scheduler obeys.
type Settings struct {
	Interval time.Duration
	Timeout  time.Duration
	HopLimit int
	Targets  []string
}

// SettingsFrom extracts scheduler settings from the probe config.
func SettingsFrom(cfg config.ProbeConfig) Settings {
	return Settings{
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		HopLimit: cfg.HopLimit,
		Targets:  append([]string(nil), cfg.Targets...),
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDiscovery fills the target list from the directory whenever no static
// targets are configured.
func WithDiscovery(strategy discovery.Strategy, source NodeSource) Option {
	return func(s *Scheduler) {
		s.strategy = strategy
		s.source = source
	}
}

// WithResultHook registers a callback invoked for every recorded result.
// The hook runs outside the scheduler lock.
func WithResultHook(fn func(model.ProbeResult)) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

type pendingProbe struct {
	target string
	sentAt time.Time
}

// Scheduler owns all probe state. Every field below mu is guarded by it.
type Scheduler struct {
	sender   Sender
	clock    clock.Clock
	log      *zap.Logger
	strategy discovery.Strategy
	source   NodeSource
	onResult func(model.ProbeResult)
	workers  sync.WaitGroup

	mu       sync.Mutex
	settings Settings
	static   bool
	targets  []string
	index    int
	// gen changes whenever targets is replaced.
	gen      uint64
	pending  *pendingProbe
	inflight *pendingProbe
	// early holds an answer that beat its own send confirmation.
	early    *model.ProbeResponse
	lastSend time.Time
	results  []model.ProbeResult
	tested   map[string]struct{}
	cycles   int
}

// New creates a scheduler. Static targets in settings take precedence over
// discovery.
func New(settings Settings, sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		sender: sender,
		clock:  clock.New(),
		log:    zap.NewNop(),
		tested: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.applySettings(settings)
	return s
}

// UpdateSettings swaps timings and the static target list. A changed target
// list restarts the round-robin and the current cycle.
func (s *Scheduler) UpdateSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applySettings(settings)
}

func (s *Scheduler) applySettings(settings Settings) {
	if settings.HopLimit <= 0 {
		settings.HopLimit = config.DefaultHopLimit
	}
	if settings.Timeout <= 0 {
		settings.Timeout = config.DefaultTimeout
	}
	targets := normalizeAll(settings.Targets)
	settings.Targets = targets
	s.settings = settings
	if len(targets) > 0 {
		if !sameList(targets, s.targets) || !s.static {
			s.resetTargetsLocked(targets)
		}
		s.static = true
		return
	}
	if s.static {
		s.resetTargetsLocked(nil)
	}
	s.static = false
}

// SetTargets replaces the target list without touching timings.
func (s *Scheduler) SetTargets(targets []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm := normalizeAll(targets)
	s.static = len(norm) > 0
	s.settings.Targets = norm
	s.resetTargetsLocked(norm)
}

func (s *Scheduler) resetTargetsLocked(targets []string) {
	s.targets = targets
	s.index = 0
	s.gen++
	s.tested = make(map[string]struct{})
}

// Tick performs at most one state transition.
func (s *Scheduler) Tick(ctx context.Context) Action {
	now := s.clock.Now()

	s.mu.Lock()
	if p := s.pending; p != nil {
		if now.Sub(p.sentAt) >= s.settings.Timeout {
			res := model.ProbeResult{
				Target:    p.target,
				Status:    model.ProbeTimeout,
				Timestamp: now,
			}
			s.pending = nil
			s.log.Info("probe timed out", zap.String("target", p.target), zap.Duration("after", now.Sub(p.sentAt)))
			s.recordLocked(res)
			s.mu.Unlock()
			s.notify(res)
			return ActionTimeout
		}
		s.mu.Unlock()
		return ActionPending
	}
	if s.inflight != nil {
		s.mu.Unlock()
		return ActionPending
	}
	if !s.lastSend.IsZero() && now.Sub(s.lastSend) < s.settings.Interval {
		s.mu.Unlock()
		return ActionThrottled
	}
	if len(s.targets) == 0 {
		s.refreshLocked()
	}
	if len(s.targets) == 0 {
		s.mu.Unlock()
		return ActionNoTargets
	}

	idx := s.index % len(s.targets)
	target := s.targets[idx]
	hopLimit := s.settings.HopLimit
	gen := s.gen
	s.inflight = &pendingProbe{target: target, sentAt: now}
	s.mu.Unlock()

	s.workers.Add(1)
	go s.dispatch(ctx, target, idx, gen, hopLimit)
	return ActionSend
}

func (s *Scheduler) dispatch(ctx context.Context, target string, idx int, gen uint64, hopLimit int) {
	defer s.workers.Done()

	s.log.Info("sending traceroute", zap.String("target", target), zap.Int("hop_limit", hopLimit))
	err := s.sender.SendProbe(ctx, target, hopLimit)

	s.mu.Lock()
	p, early := s.inflight, s.early
	s.inflight, s.early = nil, nil
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("traceroute send failed", zap.String("target", target), zap.Error(err))
		return
	}
	s.lastSend = p.sentAt
	if n := len(s.targets); n > 0 && gen == s.gen {
		s.index = (idx + 1) % n
	}
	if early == nil {
		s.pending = p
		s.mu.Unlock()
		return
	}
	res := s.answerLocked(*p, *early)
	s.mu.Unlock()
	s.notify(res)
}

// HandleResponse records a traceroute answer. Answers from anything other than
// the outstanding target are ignored and reported as false. An answer that
// arrives before the send has been confirmed is held until it is; it is
// dropped if the send fails.
func (s *Scheduler) HandleResponse(resp model.ProbeResponse) bool {
	s.mu.Lock()
	if in := s.inflight; in != nil && s.early == nil && model.SameNode(resp.From, in.target) {
		if resp.ReceivedAt.IsZero() {
			resp.ReceivedAt = s.clock.Now()
		}
		s.early = &resp
		s.mu.Unlock()
		return true
	}
	p := s.pending
	if p == nil || !model.SameNode(resp.From, p.target) {
		s.mu.Unlock()
		s.log.Debug("ignoring unsolicited traceroute response", zap.String("from", resp.From))
		return false
	}
	s.pending = nil
	res := s.answerLocked(*p, resp)
	s.mu.Unlock()

	s.notify(res)
	return true
}

func (s *Scheduler) answerLocked(p pendingProbe, resp model.ProbeResponse) model.ProbeResult {
	at := resp.ReceivedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	res := model.ProbeResult{
		Target:     p.target,
		Status:     model.ProbeSuccess,
		RTT:        at.Sub(p.sentAt),
		HopsTo:     model.HopCount(resp.Route),
		HopsBack:   model.HopCount(resp.RouteBack),
		Route:      normalizeAll(resp.Route),
		RouteBack:  normalizeAll(resp.RouteBack),
		SNR:        responseSNR(resp),
		SNRTowards: append([]float64(nil), resp.SNRTowards...),
		SNRBack:    append([]float64(nil), resp.SNRBack...),
		Timestamp:  at,
	}
	s.log.Info("traceroute answered",
		zap.String("target", res.Target),
		zap.Duration("rtt", res.RTT),
		zap.Int("hops_to", res.HopsTo),
		zap.Int("hops_back", res.HopsBack))
	s.recordLocked(res)
	return res
}

func responseSNR(resp model.ProbeResponse) *float64 {
	if resp.RxSNR != nil {
		v := *resp.RxSNR
		return &v
	}
	if n := len(resp.SNRBack); n > 0 {
		v := resp.SNRBack[n-1]
		return &v
	}
	return nil
}

func (s *Scheduler) recordLocked(res model.ProbeResult) {
	s.results = append(s.results, res)
	s.tested[model.NormalizeID(res.Target)] = struct{}{}

	if len(s.targets) == 0 {
		return
	}
	for _, t := range s.targets {
		if _, ok := s.tested[t]; !ok {
			return
		}
	}
	s.cycles++
	s.tested = make(map[string]struct{})
	s.log.Info("probe cycle complete", zap.Int("cycles", s.cycles), zap.Int("targets", len(s.targets)))
	if !s.static {
		s.refreshLocked()
	}
}

// refreshLocked reruns discovery. The round-robin restarts at the top.
func (s *Scheduler) refreshLocked() {
	if s.static || s.strategy == nil || s.source == nil {
		return
	}
	found := normalizeAll(s.strategy.SelectTargets(s.source.Nodes(), s.source.LocalID()))
	if !sameList(found, s.targets) {
		s.log.Info("discovered probe targets", zap.String("strategy", s.strategy.Name()), zap.Strings("targets", found))
	}
	s.resetTargetsLocked(found)
}

func (s *Scheduler) notify(res model.ProbeResult) {
	if s.onResult != nil {
		s.onResult(res)
	}
}

// Wait blocks until every in-flight send has returned.
func (s *Scheduler) Wait() {
	s.workers.Wait()
}

// Results returns a copy of the accumulated result log.
func (s *Scheduler) Results() []model.ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ProbeResult(nil), s.results...)
}

// ResetResults clears the result log and returns what it held.
func (s *Scheduler) ResetResults() []model.ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.results
	s.results = nil
	return out
}

// CompletedCycles is the number of full passes over the target list.
func (s *Scheduler) CompletedCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Pending returns the outstanding target, if any.
func (s *Scheduler) Pending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	return s.pending.target, true
}

// Targets returns the current round-robin list.
func (s *Scheduler) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

// Tested returns how many targets have produced a result in the current cycle.
func (s *Scheduler) Tested() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tested)
}

func normalizeAll(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := model.NormalizeID(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func sameList(a, b []string) bool {
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
