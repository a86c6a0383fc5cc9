package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/natsserver"
	"github.com/loqalabs/loqa-render/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "registry-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegistryTracksSelfAndPeers(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "node-a", HeartbeatInterval: 50, HeartbeatTimeout: 5000}
	load := func() (int, int) { return 1, 2 }
	reg, err := NewRegistry(context.Background(), cfg, map[string]string{"voice": "mock"}, load, client, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer reg.Close()

	if !reg.Healthy() {
		t.Fatal("node should be healthy after announcing")
	}

	if err := client.PublishJSON(protocol.SubjectNodeAnnounce, protocol.NodeAnnouncement{NodeID: "node-b", Role: RoleRender}); err != nil {
		t.Fatalf("announce peer: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+".node-b", protocol.NodeHeartbeat{NodeID: "node-b", Active: 0, Capacity: 4}); err != nil {
		t.Fatalf("peer heartbeat: %v", err)
	}

	waitFor(t, func() bool {
		nodes := reg.Query(WithSpareCapacity())
		return len(nodes) == 2
	})
	self := reg.Query(WithCapability("voice", "mock"))
	if len(self) != 1 || self[0].ID != "node-a" || self[0].Active != 1 || self[0].Capacity != 2 {
		t.Fatalf("unexpected self view %+v", self)
	}
	if healthy, spare := reg.snapshotCounts(); healthy != 2 || spare != 5 {
		t.Fatalf("expected 2 healthy nodes with 5 spare slots, got %d/%d", healthy, spare)
	}
}

func TestRegistryMarksSilentNodesUnhealthy(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "node-a", HeartbeatInterval: 60000, HeartbeatTimeout: 1000}
	reg, err := NewRegistry(context.Background(), cfg, nil, nil, client, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer reg.Close()

	reg.mu.Lock()
	reg.now = func() time.Time { return time.Now().Add(time.Minute) }
	reg.mu.Unlock()
	reg.evaluateHealth()
	if reg.Healthy() {
		t.Fatal("node without recent heartbeat should be unhealthy")
	}
	if nodes := reg.Query(WithSpareCapacity()); len(nodes) != 0 {
		t.Fatalf("unhealthy nodes must not offer capacity, got %+v", nodes)
	}
}
