package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Position is a WGS84 coordinate in decimal degrees.
type Position struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// DeviceMetrics is the telemetry a node reports about itself.
type DeviceMetrics struct {
	ChannelUtilization float64 `yaml:"channel_utilization"`
	AirUtilTx          float64 `yaml:"air_util_tx"`
	Battery            *int    `yaml:"battery,omitempty"`
}

// Node is one participant in the mesh as seen through the node directory.
type Node struct {
	ID        string        `yaml:"id"`
	LongName  string        `yaml:"long_name,omitempty"`
	ShortName string        `yaml:"short_name,omitempty"`
	Role      Role          `yaml:"role"`
	Position  *Position     `yaml:"position,omitempty"`
	Metrics   DeviceMetrics `yaml:"metrics"`
	LastHeard time.Time     `yaml:"last_heard,omitempty"`
	HopsAway  int           `yaml:"hops_away,omitempty"`
	Favorite  bool          `yaml:"favorite,omitempty"`
	SNR       *float64      `yaml:"snr,omitempty"`
}

// DisplayName returns the best human name available, falling back to the id.
func (n Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	if n.ID != "" {
		return n.ID
	}
	return "Unknown"
}

// BatteryLevel returns the reported battery percentage, or 100 when unknown.
func (n Node) BatteryLevel() int {
	if n.Metrics.Battery == nil {
		return 100
	}
	return *n.Metrics.Battery
}

// SignalQuality returns the last-known SNR and whether one was reported.
func (n Node) SignalQuality() (float64, bool) {
	if n.SNR == nil {
		return 0, false
	}
	return *n.SNR, true
}

// HasPosition reports whether the node has a known position.
func (n Node) HasPosition() bool {
	return n.Position != nil
}

// NodeDB is a snapshot of the node directory keyed by normalized id.
type NodeDB map[string]Node

// SortedIDs returns the directory keys in a stable order.
func (db NodeDB) SortedIDs() []string {
	ids := make([]string, 0, len(db))
	for id := range db {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup finds a node by any representation of its id.
func (db NodeDB) Lookup(id string) (Node, bool) {
	if n, ok := db[id]; ok {
		return n, true
	}
	n, ok := db[NormalizeID(id)]
	return n, ok
}

// Clone returns a shallow copy safe to hand to analyzers.
func (db NodeDB) Clone() NodeDB {
	out := make(NodeDB, len(db))
	for id, n := range db {
		out[id] = n
	}
	return out
}

// ProbeStatus is the outcome of a probe.
type ProbeStatus string

const (
	ProbeSuccess ProbeStatus = "success"
	ProbeTimeout ProbeStatus = "timeout"
)

// ProbeResult is a single recorded traceroute outcome.
type ProbeResult struct {
	Target     string        `yaml:"target"`
	Status     ProbeStatus   `yaml:"status"`
	RTT        time.Duration `yaml:"rtt"`
	HopsTo     int           `yaml:"hops_to"`
	HopsBack   int           `yaml:"hops_back"`
	Route      []string      `yaml:"route,omitempty"`      // intermediate relays towards the target
	RouteBack  []string      `yaml:"route_back,omitempty"` // intermediate relays on the way back
	SNR        *float64      `yaml:"snr,omitempty"`
	SNRTowards []float64     `yaml:"snr_towards,omitempty"`
	SNRBack    []float64     `yaml:"snr_back,omitempty"`
	Timestamp  time.Time     `yaml:"timestamp"`
}

// Succeeded reports whether the probe got an answer.
func (r ProbeResult) Succeeded() bool {
	return r.Status == ProbeSuccess
}

// ProbeResponse is an inbound traceroute answer delivered by the transport.
type ProbeResponse struct {
	From       string
	Route      []string
	RouteBack  []string
	SNRTowards []float64
	SNRBack    []float64
	RxSNR      *float64
	ReceivedAt time.Time
}

// Packet is the subset of a received mesh packet the analyzers care about.
type Packet struct {
	ID       uint32
	From     string
	To       string
	RxTime   time.Time
	HopLimit int
	Port     string
}

// HopCount is the number of intermediate relays in a route.
func HopCount(route []string) int {
	return len(route)
}

// FormatNodeNum renders a numeric node address in the canonical "!xxxxxxxx" form.
func FormatNodeNum(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// NormalizeID maps any accepted node id representation to the canonical form.
// "!hex", "0xhex", exactly eight bare hex digits, and other all-digit decimal
// node numbers become "!xxxxxxxx". Other strings are trimmed and lower-cased.
func NormalizeID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "!") {
		if num, err := strconv.ParseUint(s[1:], 16, 32); err == nil {
			return FormatNodeNum(uint32(num))
		}
		return s
	}
	if strings.HasPrefix(s, "0x") {
		if num, err := strconv.ParseUint(s[2:], 16, 32); err == nil {
			return FormatNodeNum(uint32(num))
		}
		return s
	}
	if len(s) == 8 {
		if num, err := strconv.ParseUint(s, 16, 32); err == nil {
			return FormatNodeNum(uint32(num))
		}
	}
	if num, err := strconv.ParseUint(s, 10, 32); err == nil {
		return FormatNodeNum(uint32(num))
	}
	return s
}

// ParseNodeNum returns the numeric address for a canonical id.
func ParseNodeNum(id string) (uint32, bool) {
	s := NormalizeID(id)
	if !strings.HasPrefix(s, "!") {
		return 0, false
	}
	num, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(num), true
}

// SameNode compares two ids regardless of representation.
func SameNode(a, b string) bool {
	na, nb := NormalizeID(a), NormalizeID(b)
	return na != "" && na == nb
}
