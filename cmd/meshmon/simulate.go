package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshmon/internal/geo"
	"meshmon/internal/model"
	"meshmon/internal/store"
	"meshmon/internal/udpbridge"
)

func newSimulateCmd(g *globals) *cobra.Command {
	var (
		nodesPath string
		listen    string
		loss      float64
		delay     time.Duration
		packets   time.Duration
		seed      uint64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a node snapshot as a gateway for local testing",
		Long: `simulate answers traceroutes for the nodes in a snapshot, building
routes through the routers nearest to each target. Point "meshmon run" at the
listen address to exercise the full pipeline without a radio.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if nodesPath == "" {
				return errors.New("--nodes is required")
			}
			if loss < 0 || loss > 1 {
				return fmt.Errorf("--loss must be between 0 and 1, got %v", loss)
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			log, err := g.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			snap, err := store.LoadSnapshot(nodesPath)
			if err != nil {
				return err
			}
			nodes := snap.NodeDB()
			local, ok := snap.LocalNode()
			if !ok {
				return errors.New("snapshot has no local node")
			}

			gw, err := udpbridge.ListenGateway(listen, local, log.Named("gateway"))
			if err != nil {
				return err
			}
			defer gw.Close()
			for _, id := range nodes.SortedIDs() {
				if err := gw.UpsertNode(nodes[id]); err != nil {
					return err
				}
			}

			sim := &simulator{nodes: nodes, local: local.ID, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
			gw.SetTracerouteHandler(func(target string, hopLimit int) (*model.ProbeResponse, time.Duration, error) {
				if _, ok := nodes.Lookup(target); !ok {
					return nil, 0, fmt.Errorf("unknown node %s", target)
				}
				if sim.float() < loss {
					log.Debug("simulating lost traceroute", zap.String("target", target))
					return nil, 0, nil
				}
				resp := sim.route(target, hopLimit)
				return &resp, sim.jitter(delay), nil
			})
			fmt.Fprintf(cmd.OutOrStdout(), "gateway listening on %s with %d nodes\n", gw.Addr(), len(nodes))

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if packets <= 0 {
				<-ctx.Done()
				return nil
			}
			ticker := time.NewTicker(packets)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := gw.PublishPacket(sim.packet()); err != nil {
						log.Debug("publish packet failed", zap.Error(err))
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&nodesPath, "nodes", "", "node snapshot YAML")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:4403", "UDP listen address")
	cmd.Flags().Float64Var(&loss, "loss", 0, "fraction of traceroutes that never answer")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "mean answer delay")
	cmd.Flags().DurationVar(&packets, "packets", 0, "publish a random packet this often (0 disables)")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	return cmd
}

// simulator synthesizes plausible traceroute answers from a node directory.
type simulator struct {
	nodes model.NodeDB
	local string

	mu     sync.Mutex
	rng    *rand.Rand
	nextID uint32
}

func (s *simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *simulator) jitter(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(float64(mean) * (0.5 + s.rng.Float64()))
}

// relays picks up to n routers other than the endpoints, nearest to target
// first. Unpositioned routers come last in id order.
func (s *simulator) relays(target string, n int) []string {
	if n <= 0 {
		return nil
	}
	dst := s.nodes[target]
	type cand struct {
		id   string
		dist float64
		ok   bool
	}
	var cands []cand
	for _, id := range s.nodes.SortedIDs() {
		node := s.nodes[id]
		if !node.Role.IsRouter() || model.SameNode(id, target) || model.SameNode(id, s.local) {
			continue
		}
		d, ok := geo.Between(node.Position, dst.Position)
		cands = append(cands, cand{id: id, dist: d, ok: ok})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].ok != cands[j].ok {
			return cands[i].ok
		}
		return cands[i].ok && cands[i].dist < cands[j].dist
	})
	out := make([]string, 0, n)
	for _, c := range cands {
		if len(out) == n {
			break
		}
		out = append(out, c.id)
	}
	// Closest to the target is the last hop.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *simulator) route(target string, hopLimit int) model.ProbeResponse {
	hops := s.nodes[target].HopsAway
	if hopLimit > 0 && hops > hopLimit {
		hops = hopLimit
	}
	route := s.relays(target, hops)
	back := make([]string, len(route))
	for i, id := range route {
		back[len(route)-1-i] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	base := -2.0
	if snr, ok := s.nodes[target].SignalQuality(); ok {
		base = snr
	}
	snrs := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = roundQuarter(base + s.rng.NormFloat64()*3)
		}
		return out
	}
	towards := snrs(len(route) + 1)
	backSNR := snrs(len(back) + 1)
	rx := backSNR[len(backSNR)-1]
	return model.ProbeResponse{
		From:       target,
		Route:      route,
		RouteBack:  back,
		SNRTowards: towards,
		SNRBack:    backSNR,
		RxSNR:      &rx,
	}
}

func (s *simulator) packet() model.Packet {
	ids := s.nodes.SortedIDs()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	from := ids[s.rng.IntN(len(ids))]
	return model.Packet{
		ID:       s.nextID,
		From:     from,
		To:       model.FormatNodeNum(0xffffffff),
		RxTime:   time.Now(),
		HopLimit: 3,
		Port:     "TEXT_MESSAGE_APP",
	}
}

func roundQuarter(v float64) float64 {
	return math.Round(v*4) / 4
}
