package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	DefaultChannelUtilization = 25.0
	DefaultAirUtilTx          = 7.0
	DefaultRouterDensityM     = 2000.0
	DefaultActiveWindow       = 2 * time.Hour
	DefaultMaxNodesLongFast   = 60
	DefaultLowBattery         = 20

	DefaultTick     = time.Second
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 60 * time.Second
	DefaultHopLimit = 7

	DefaultStrategy        = StrategyDistanceExtremes
	DefaultDiscoveryLimit  = 5
	DefaultClusterRadiusM  = 2000.0
	DefaultReportCycles    = 1
	DefaultAnalysis        = 60 * time.Second
	DefaultPacketWindow    = 60 * time.Second
	DefaultPacketCapacity  = 4096
	DefaultGatewayListen   = ":0"
	DefaultGatewaySendRate = 1.0
	DefaultAckTimeout      = 5 * time.Second
)

// Discovery strategy selectors.
const (
	StrategyDistanceExtremes = "distance_extremes"
	StrategyRolePriority     = "role_priority"
	StrategyClusterNeighbor  = "cluster_neighbor"
)

var (
	DefaultDiscoveryRoles = []string{"ROUTER", "REPEATER"}
	DefaultRolePriority   = []string{"ROUTER", "REPEATER", "ROUTER_LATE", "ROUTER_CLIENT", "CLIENT"}
)

// Config is the full monitor configuration.
type Config struct {
	LogLevel         string          `yaml:"log_level"`
	LogFormat        string          `yaml:"log_format"`
	IgnoreNoPosition bool            `yaml:"ignore_no_position"`
	Gateway          GatewayConfig   `yaml:"gateway"`
	Thresholds       Thresholds      `yaml:"thresholds"`
	Probe            ProbeConfig     `yaml:"probe"`
	Discovery        DiscoveryConfig `yaml:"discovery"`
	Report           ReportConfig    `yaml:"report"`
	Metrics          MetricsConfig   `yaml:"metrics"`
}

// GatewayConfig locates the mesh gateway the bridge talks to.
type GatewayConfig struct {
	Listen     string        `yaml:"listen"`
	Address    string        `yaml:"address"`
	SendRate   float64       `yaml:"send_rate"` // datagrams per second
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// Thresholds tune the health checks.
type Thresholds struct {
	ChannelUtilization float64       `yaml:"channel_utilization"`
	AirUtilTx          float64       `yaml:"air_util_tx"`
	RouterDensityM     float64       `yaml:"router_density_m"`
	ActiveWindow       time.Duration `yaml:"active_window"`
	MaxNodesLongFast   int           `yaml:"max_nodes_long_fast"`
	LowBattery         int           `yaml:"low_battery"`
}

// ProbeConfig drives the active probe scheduler.
type ProbeConfig struct {
	Tick     time.Duration `yaml:"tick"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	HopLimit int           `yaml:"hop_limit"`
	Targets  []string      `yaml:"targets"`
}

// DiscoveryConfig selects targets when no static list is configured.
type DiscoveryConfig struct {
	Strategy       string   `yaml:"strategy"`
	Limit          int      `yaml:"limit"`
	Roles          []string `yaml:"roles"`
	RolePriority   []string `yaml:"role_priority"`
	ClusterRadiusM float64  `yaml:"cluster_radius_m"`
}

// ReportConfig controls report cycles and result persistence.
type ReportConfig struct {
	Cycles           int           `yaml:"cycles"`
	AnalysisInterval time.Duration `yaml:"analysis_interval"`
	HistoryPath      string        `yaml:"history_path"`
	CSVPath          string        `yaml:"csv_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	PacketWindow     time.Duration `yaml:"packet_window"`
	PacketCapacity   int           `yaml:"packet_capacity"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Load reads a YAML config file. Any key can be overridden through the
// environment as MESHMON_<SECTION>_<KEY>, e.g. MESHMON_PROBE_INTERVAL=10s.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate reports every problem in the config at once.
func Validate(cfg Config) error {
	var err error
	if cfg.Probe.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("probe.timeout must be > 0"))
	}
	if cfg.Probe.Interval < 0 {
		err = multierr.Append(err, fmt.Errorf("probe.interval must be >= 0"))
	}
	if cfg.Probe.Tick <= 0 {
		err = multierr.Append(err, fmt.Errorf("probe.tick must be > 0"))
	}
	if cfg.Probe.HopLimit < 1 || cfg.Probe.HopLimit > 7 {
		err = multierr.Append(err, fmt.Errorf("probe.hop_limit must be between 1 and 7, got %d", cfg.Probe.HopLimit))
	}
	switch cfg.Discovery.Strategy {
	case StrategyDistanceExtremes, StrategyRolePriority, StrategyClusterNeighbor:
	default:
		err = multierr.Append(err, fmt.Errorf("discovery.strategy %q is not one of %s, %s, %s",
			cfg.Discovery.Strategy, StrategyDistanceExtremes, StrategyRolePriority, StrategyClusterNeighbor))
	}
	if cfg.Discovery.Limit < 1 {
		err = multierr.Append(err, fmt.Errorf("discovery.limit must be >= 1"))
	}
	if cfg.Thresholds.RouterDensityM <= 0 {
		err = multierr.Append(err, fmt.Errorf("thresholds.router_density_m must be > 0"))
	}
	if cfg.Thresholds.ActiveWindow <= 0 {
		err = multierr.Append(err, fmt.Errorf("thresholds.active_window must be > 0"))
	}
	if cfg.Report.Cycles < 1 {
		err = multierr.Append(err, fmt.Errorf("report.cycles must be >= 1"))
	}
	if cfg.Gateway.SendRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("gateway.send_rate must be > 0"))
	}
	return err
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}

	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = DefaultGatewayListen
	}
	if cfg.Gateway.SendRate == 0 {
		cfg.Gateway.SendRate = DefaultGatewaySendRate
	}
	if cfg.Gateway.AckTimeout == 0 {
		cfg.Gateway.AckTimeout = DefaultAckTimeout
	}

	t := &cfg.Thresholds
	if t.ChannelUtilization == 0 {
		t.ChannelUtilization = DefaultChannelUtilization
	}
	if t.AirUtilTx == 0 {
		t.AirUtilTx = DefaultAirUtilTx
	}
	if t.RouterDensityM == 0 {
		t.RouterDensityM = DefaultRouterDensityM
	}
	if t.ActiveWindow == 0 {
		t.ActiveWindow = DefaultActiveWindow
	}
	if t.MaxNodesLongFast == 0 {
		t.MaxNodesLongFast = DefaultMaxNodesLongFast
	}
	if t.LowBattery == 0 {
		t.LowBattery = DefaultLowBattery
	}

	p := &cfg.Probe
	if p.Tick == 0 {
		p.Tick = DefaultTick
	}
	if p.Interval == 0 {
		p.Interval = DefaultInterval
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if p.HopLimit == 0 {
		p.HopLimit = DefaultHopLimit
	}

	d := &cfg.Discovery
	if d.Strategy == "" {
		d.Strategy = DefaultStrategy
	}
	if d.Limit == 0 {
		d.Limit = DefaultDiscoveryLimit
	}
	if len(d.Roles) == 0 {
		d.Roles = append([]string(nil), DefaultDiscoveryRoles...)
	}
	if len(d.RolePriority) == 0 {
		d.RolePriority = append([]string(nil), DefaultRolePriority...)
	}
	if d.ClusterRadiusM == 0 {
		d.ClusterRadiusM = DefaultClusterRadiusM
	}

	r := &cfg.Report
	if r.Cycles == 0 {
		r.Cycles = DefaultReportCycles
	}
	if r.AnalysisInterval == 0 {
		r.AnalysisInterval = DefaultAnalysis
	}
	if r.PacketWindow == 0 {
		r.PacketWindow = DefaultPacketWindow
	}
	if r.PacketCapacity == 0 {
		r.PacketCapacity = DefaultPacketCapacity
	}

	if cfg.Metrics.Listen != "" && cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// setDefaults registers every key with viper so AutomaticEnv can override
// keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("ignore_no_position", false)
	v.SetDefault("gateway.listen", DefaultGatewayListen)
	v.SetDefault("gateway.address", "")
	v.SetDefault("gateway.send_rate", DefaultGatewaySendRate)
	v.SetDefault("gateway.ack_timeout", DefaultAckTimeout)
	v.SetDefault("thresholds.channel_utilization", DefaultChannelUtilization)
	v.SetDefault("thresholds.air_util_tx", DefaultAirUtilTx)
	v.SetDefault("thresholds.router_density_m", DefaultRouterDensityM)
	v.SetDefault("thresholds.active_window", DefaultActiveWindow)
	v.SetDefault("thresholds.max_nodes_long_fast", DefaultMaxNodesLongFast)
	v.SetDefault("thresholds.low_battery", DefaultLowBattery)
	v.SetDefault("probe.tick", DefaultTick)
	v.SetDefault("probe.interval", DefaultInterval)
	v.SetDefault("probe.timeout", DefaultTimeout)
	v.SetDefault("probe.hop_limit", DefaultHopLimit)
	v.SetDefault("probe.targets", []string{})
	v.SetDefault("discovery.strategy", DefaultStrategy)
	v.SetDefault("discovery.limit", DefaultDiscoveryLimit)
	v.SetDefault("discovery.roles", DefaultDiscoveryRoles)
	v.SetDefault("discovery.role_priority", DefaultRolePriority)
	v.SetDefault("discovery.cluster_radius_m", DefaultClusterRadiusM)
	v.SetDefault("report.cycles", DefaultReportCycles)
	v.SetDefault("report.analysis_interval", DefaultAnalysis)
	v.SetDefault("report.history_path", "")
	v.SetDefault("report.csv_path", "")
	v.SetDefault("report.snapshot_path", "")
	v.SetDefault("report.packet_window", DefaultPacketWindow)
	v.SetDefault("report.packet_capacity", DefaultPacketCapacity)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "")
}
