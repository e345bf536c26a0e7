//go:build integration

package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshmon/internal/model"
	"meshmon/internal/store"
)

// Builds the binary and runs "simulate" and "run" against each other over
// loopback. Gated behind -tags=integration and MESHMON_INTEGRATION=1.
func TestEndToEnd_SimulatedGateway(t *testing.T) {
	if os.Getenv("MESHMON_INTEGRATION") != "1" {
		t.Skip("set MESHMON_INTEGRATION=1 to run")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "meshmon")
	run(t, ".", "go", "build", "-o", bin, ".")

	now := time.Now().UTC()
	db := model.NodeDB{
		"!00000001": {ID: "!00000001", LongName: "Base", Role: model.RoleClient, LastHeard: now},
		"!00000002": {ID: "!00000002", LongName: "Hill", Role: model.RoleRouter, HopsAway: 1, LastHeard: now,
			Position: &model.Position{Lat: 47.0, Lon: 8.0}},
		"!00000003": {ID: "!00000003", LongName: "Valley", Role: model.RoleRouter, HopsAway: 2, LastHeard: now,
			Position: &model.Position{Lat: 47.05, Lon: 8.0}},
	}
	snapPath := filepath.Join(tmp, "nodes.yaml")
	if err := store.SaveSnapshot(snapPath, store.NewSnapshot(db, "!00000001")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	addr := freeUDPAddr(t)
	historyPath := filepath.Join(tmp, "history.db")
	cfgPath := filepath.Join(tmp, "meshmon.yaml")
	mustWrite(t, cfgPath, fmt.Sprintf(`log_level: debug
gateway:
  address: %s
  send_rate: 10
probe:
  tick: 100ms
  interval: 200ms
  timeout: 5s
  hop_limit: 3
  targets: ["!00000002", "!00000003"]
report:
  cycles: 1
  history_path: %s
`, addr, historyPath))

	sim := exec.Command(bin, "simulate", "--nodes", snapPath, "--listen", addr, "--delay", "50ms")
	sim.Stdout, sim.Stderr = os.Stderr, os.Stderr
	if err := sim.Start(); err != nil {
		t.Fatalf("start simulate: %v", err)
	}
	t.Cleanup(func() { _ = sim.Process.Kill(); _ = sim.Wait() })
	time.Sleep(500 * time.Millisecond)

	mon := exec.Command(bin, "run", "--config", cfgPath)
	mon.Stdout, mon.Stderr = os.Stderr, os.Stderr
	if err := mon.Start(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	t.Cleanup(func() { _ = mon.Process.Kill(); _ = mon.Wait() })

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		out, err := exec.Command(bin, "reports", "--history", historyPath).CombinedOutput()
		if err == nil && strings.Contains(string(out), "results=2") {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatal("no report cycle stored")
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := conn.LocalAddr().String()
	_ = conn.Close()
	return addr
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
}
