package monitor

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"meshmon/internal/config"
	"meshmon/internal/model"
)

// PacketHistory keeps the packets heard within a sliding window. The oldest
// entries are dropped first once capacity is reached.
type PacketHistory struct {
	seq   atomic.Uint64
	cache *expirable.LRU[uint64, model.Packet]
}

// NewPacketHistory creates a history holding at most capacity packets for
// window.
func NewPacketHistory(capacity int, window time.Duration) *PacketHistory {
	if capacity <= 0 {
		capacity = config.DefaultPacketCapacity
	}
	if window <= 0 {
		window = config.DefaultPacketWindow
	}
	return &PacketHistory{cache: expirable.NewLRU[uint64, model.Packet](capacity, nil, window)}
}

// Add records a packet. Rebroadcasts of the same packet are kept since the
// duplicate check counts them.
func (h *PacketHistory) Add(p model.Packet) {
	h.cache.Add(h.seq.Add(1), p)
}

// Recent returns the unexpired packets, oldest first.
func (h *PacketHistory) Recent() []model.Packet {
	vals := h.cache.Values()
	out := make([]model.Packet, 0, len(vals))
	for _, p := range vals {
		// Values pads the slice with zero packets for expired entries.
		if p.From == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len is the number of stored packets, including ones that expired but have
// not been swept yet.
func (h *PacketHistory) Len() int {
	return h.cache.Len()
}
