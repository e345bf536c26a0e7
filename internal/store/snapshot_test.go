package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshmon/internal/model"
)

func TestLoadSnapshot_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nodes.yaml")
	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatalf("snapshot is nil")
	}
	if len(snap.Nodes) != 0 {
		t.Fatalf("nodes=%d", len(snap.Nodes))
	}
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nodes.yaml")

	battery := 55
	heard := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	db := model.NodeDB{
		"!0000000b": {ID: "!0000000b", LongName: "Ridge", Role: model.RoleRouter, Position: &model.Position{Lat: 47.1, Lon: 8.2}, LastHeard: heard},
		"!0000000a": {ID: "!0000000a", Role: model.RoleClientMute, Metrics: model.DeviceMetrics{ChannelUtilization: 12.5, Battery: &battery}},
	}
	if err := SaveSnapshot(path, NewSnapshot(db, "10")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not set")
	}
	if len(out.Nodes) != 2 || out.Nodes[0].ID != "!0000000a" {
		t.Fatalf("nodes=%+v", out.Nodes)
	}

	got := out.NodeDB()
	ridge := got["!0000000b"]
	if ridge.Role != model.RoleRouter || ridge.Position == nil || ridge.Position.Lat != 47.1 || !ridge.LastHeard.Equal(heard) {
		t.Fatalf("ridge=%+v", ridge)
	}
	if got["!0000000a"].BatteryLevel() != 55 || got["!0000000a"].Role != model.RoleClientMute {
		t.Fatalf("node a=%+v", got["!0000000a"])
	}

	local, ok := out.LocalNode()
	if !ok || local.ID != "!0000000a" {
		t.Fatalf("local=%+v ok=%v", local, ok)
	}
}

func TestSnapshot_NodeDBNormalizesIDs(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{Nodes: []model.Node{{ID: "42"}, {ID: ""}, {ID: "0x2B"}}}
	db := snap.NodeDB()
	if len(db) != 2 {
		t.Fatalf("len=%d", len(db))
	}
	if _, ok := db["!0000002a"]; !ok {
		t.Fatalf("missing !0000002a: %v", db.SortedIDs())
	}
	if _, ok := db["!0000002b"]; !ok {
		t.Fatalf("missing !0000002b: %v", db.SortedIDs())
	}
}
