package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"meshmon/internal/health"
	"meshmon/internal/metrics"
	"meshmon/internal/model"
	"meshmon/internal/routes"
	"meshmon/internal/store"
)

// resultSource selects where stored probe results come from.
type resultSource struct {
	history string
	csv     string
	since   time.Duration
}

func (s *resultSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.history, "history", "", "SQLite history database")
	cmd.Flags().StringVar(&s.csv, "csv", "", "probe results CSV")
	cmd.Flags().DurationVar(&s.since, "since", 24*time.Hour, "only use results newer than this (0 for all)")
}

func (s *resultSource) cutoff() time.Time {
	if s.since <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-s.since)
}

func (s *resultSource) load(ctx context.Context) ([]model.ProbeResult, error) {
	switch {
	case s.history != "":
		h, err := store.OpenHistory(s.history, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		return h.Results(ctx, s.cutoff())
	case s.csv != "":
		items, err := metrics.ReadCSV(s.csv)
		if err != nil {
			return nil, err
		}
		cutoff := s.cutoff()
		out := items[:0]
		for _, r := range items {
			if !r.Timestamp.Before(cutoff) {
				out = append(out, r)
			}
		}
		return out, nil
	}
	return nil, nil
}

func (s *resultSource) required() error {
	if s.history == "" && s.csv == "" {
		return errors.New("--history or --csv required")
	}
	return nil
}

func newAnalyzeCmd(g *globals) *cobra.Command {
	var (
		nodesPath string
		src       resultSource
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the health checks over a node snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if nodesPath == "" {
				return errors.New("--nodes is required")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			snap, err := store.LoadSnapshot(nodesPath)
			if err != nil {
				return err
			}
			results, err := src.load(cmd.Context())
			if err != nil {
				return err
			}

			in := health.Input{Nodes: snap.NodeDB(), Results: results}
			var localIssues []health.Issue
			if local, ok := snap.LocalNode(); ok {
				in.Local = &local
				localIssues = health.CheckLocalNode(local, cfg.Probe.HopLimit)
			}
			rep := health.New(cfg.Thresholds, cfg.IgnoreNoPosition).Analyze(in)
			printHealth(cmd.OutOrStdout(), snap, results, localIssues, rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodesPath, "nodes", "", "node snapshot YAML")
	src.register(cmd)
	return cmd
}

func printHealth(w io.Writer, snap *store.Snapshot, results []model.ProbeResult, localIssues []health.Issue, rep health.Report) {
	fmt.Fprintf(w, "nodes=%s active=%s", humanize.Comma(int64(len(snap.Nodes))), humanize.Comma(int64(rep.ActiveNodes)))
	if !snap.UpdatedAt.IsZero() {
		fmt.Fprintf(w, " snapshot=%s", humanize.Time(snap.UpdatedAt))
	}
	fmt.Fprintln(w)
	if len(results) > 0 {
		sum := metrics.Summarize(results, time.Time{})
		fmt.Fprintf(w, "probes=%d success=%.1f%% rtt avg=%.2fms p95=%.2fms\n", sum.Count, sum.SuccessRate, sum.AvgRTTMs, sum.P95RTTMs)
	}

	for _, is := range localIssues {
		fmt.Fprintf(w, "local: %s\n", is.Message)
	}

	fmt.Fprintf(w, "\nissues (%d):\n", len(rep.Issues))
	if len(rep.Issues) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, is := range rep.Issues {
		fmt.Fprintf(w, "  %s\n", is)
	}

	if len(rep.RouterStats) > 0 {
		fmt.Fprintf(w, "\nrouters (%d):\n", len(rep.RouterStats))
		for _, s := range rep.RouterStats {
			fmt.Fprintf(w, "  %s %-20s %-13s neighbors=%d routers=%d relays=%d ch_util=%.1f%% %s\n",
				s.ID, s.Name, s.Role, s.Neighbors, s.RoutersNearby, s.RelayCount, s.ChannelUtil, s.StatusString())
		}
	}

	if len(rep.Clusters) > 0 {
		fmt.Fprintf(w, "\nrouter clusters (%d):\n", len(rep.Clusters))
		for i, c := range rep.Clusters {
			best := c.Best()
			fmt.Fprintf(w, "  #%d size=%d keep=%s (%s)\n", i+1, c.Size(), best.ID, best.Name)
			for _, o := range c.Others() {
				fmt.Fprintf(w, "     %s (%s) relays=%d\n", o.ID, o.Name, o.RelayCount)
			}
			for _, d := range c.Distances {
				fmt.Fprintf(w, "     %s <-> %s %s\n", d.A, d.B, humanize.SIWithDigits(d.DistanceM, 2, "m"))
			}
		}
	}

	u := rep.ChannelUtil
	fmt.Fprintf(w, "\nchannel utilization: %s (%d of %d active nodes)\n", u.Type, u.AffectedCount, u.ActiveCount)
	for _, n := range u.Nodes {
		fmt.Fprintf(w, "  %s %s %.1f%%\n", n.ID, n.Name, n.UtilPct)
	}
}

func newRoutesCmd(g *globals) *cobra.Command {
	var (
		nodesPath string
		top       int
		src       resultSource
	)
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Summarize relay usage, bottlenecks and path stability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := src.required(); err != nil {
				return err
			}
			results, err := src.load(cmd.Context())
			if err != nil {
				return err
			}
			a := routes.Analyzer{}
			if nodesPath != "" {
				snap, err := store.LoadSnapshot(nodesPath)
				if err != nil {
					return err
				}
				a.Nodes = snap.NodeDB()
				a.Local = snap.Local
			}
			printRoutes(cmd.OutOrStdout(), a.Analyze(results), top)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodesPath, "nodes", "", "node snapshot YAML for names")
	cmd.Flags().IntVar(&top, "top", 10, "relay usage rows to show")
	src.register(cmd)
	return cmd
}

func printRoutes(w io.Writer, a routes.Analysis, top int) {
	fmt.Fprintf(w, "successful routes=%d\n", a.TotalRoutes)
	if a.TotalRoutes == 0 {
		return
	}

	fmt.Fprintln(w, "\nrelay usage:")
	for i, u := range a.RelayUsage {
		if top > 0 && i >= top {
			fmt.Fprintf(w, "  ... %d more\n", len(a.RelayUsage)-top)
			break
		}
		fmt.Fprintf(w, "  %s %-20s %s\n", u.ID, u.Name, humanize.Comma(int64(u.Count)))
	}

	fmt.Fprintln(w, "\nbottlenecks:")
	for _, b := range a.Bottlenecks {
		fmt.Fprintf(w, "  %s %-20s serves %d destinations\n", b.ID, b.Name, b.DestinationsServed)
	}

	fmt.Fprintln(w, "\ncommon paths:")
	for _, p := range a.CommonPaths {
		fmt.Fprintf(w, "  %s: %s (%d/%d, %.0f%% stable)\n", p.Destination, p.PathString(), p.Count, p.Total, p.Stability)
	}

	if len(a.LinkQuality) > 0 {
		fmt.Fprintln(w, "\nlink quality:")
		for _, l := range a.LinkQuality {
			fmt.Fprintf(w, "  %s -> %s snr=%.2fdB samples=%d\n", l.Link.From, l.Link.To, l.MeanSNR, l.Samples)
		}
	}
}

func newStatsCmd(_ *globals) *cobra.Command {
	var (
		src      resultSource
		byTarget bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show probe statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := src.required(); err != nil {
				return err
			}
			items, err := src.load(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			summary := metrics.Summarize(items, time.Time{})
			if summary.Count == 0 {
				fmt.Fprintln(w, "no samples in window")
				return nil
			}
			printSummary(w, "", summary)
			if byTarget {
				per := metrics.SummarizeByTarget(items, time.Time{})
				for _, target := range sortedKeys(per) {
					printSummary(w, target+" ", per[target])
				}
			}
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().BoolVar(&byTarget, "by-target", false, "also break down per target")
	return cmd
}

func printSummary(w io.Writer, prefix string, s metrics.Summary) {
	fmt.Fprintf(w, "%ssamples=%d success=%d timeout=%d rate=%.1f%% from=%s to=%s\n",
		prefix, s.Count, s.Successes, s.Timeouts, s.SuccessRate, s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
	if s.Successes == 0 {
		return
	}
	fmt.Fprintf(w, "%srtt avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms std=%.2fms\n",
		prefix, s.AvgRTTMs, s.P95RTTMs, s.MinRTTMs, s.MaxRTTMs, s.StdDevRTTMs)
	fmt.Fprintf(w, "%shops avg to=%.2f back=%.2f", prefix, s.AvgHopsTo, s.AvgHopsBack)
	if s.SNRSamples > 0 {
		fmt.Fprintf(w, " snr avg=%.2fdB", s.AvgSNR)
	}
	fmt.Fprintln(w)
}

func newReportsCmd(_ *globals) *cobra.Command {
	var (
		history string
		limit   int
		issues  string
	)
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List stored report cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if history == "" {
				return errors.New("--history is required")
			}
			h, err := store.OpenHistory(history, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			w := cmd.OutOrStdout()
			if issues != "" {
				list, err := h.Issues(cmd.Context(), issues)
				if err != nil {
					return err
				}
				for _, is := range list {
					fmt.Fprintln(w, is)
				}
				return nil
			}

			reports, err := h.Reports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Fprintln(w, "no reports")
				return nil
			}
			for _, r := range reports {
				fmt.Fprintf(w, "%s  %-16s cycles=%d results=%d issues=%d\n",
					r.ID, humanize.Time(r.CreatedAt), r.Cycles, r.ResultCount, r.IssueCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&history, "history", "", "SQLite history database")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of reports to list")
	cmd.Flags().StringVar(&issues, "issues", "", "print the issues of one report id")
	return cmd
}
