// Package capability announces this render node on the bus and tracks the
// liveness and load of its peers.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/protocol"
)

// RoleRender is the role advertised by loqa-renderd.
const RoleRender = "render"

type NodeInfo struct {
	ID           string            `json:"id"`
	Role         string            `json:"role"`
	Capabilities map[string]string `json:"capabilities"`
	Active       int               `json:"active"`
	Capacity     int               `json:"capacity"`
	LastSeen     time.Time         `json:"last_seen"`
	Healthy      bool              `json:"healthy"`
}

// LoadFunc reports how many renders are running and how many may run.
type LoadFunc func() (active, capacity int)

type Registry struct {
	cfg       config.NodeConfig
	caps      map[string]string
	load      LoadFunc
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	now       func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps map[string]string, load LoadFunc, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if load == nil {
		load = func() (int, int) { return 0, 0 }
	}
	r := &Registry{
		cfg:    cfg,
		caps:   caps,
		load:   load,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-render/runtime"),
		cancel: cancel,
		now:    time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnouncement{
		NodeID:       r.cfg.ID,
		Role:         RoleRender,
		Capabilities: r.caps,
		Timestamp:    r.now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(nodeUpdate{id: msg.NodeID, role: msg.Role, caps: msg.Capabilities, seen: msg.Timestamp})
	return nil
}

func (r *Registry) publishHeartbeat() error {
	active, capacity := r.load()
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Active:    active,
		Capacity:  capacity,
		Timestamp: r.now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}
	r.updateNode(nodeUpdate{id: a.NodeID, role: a.Role, caps: a.Capabilities, seen: a.Timestamp})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(nodeUpdate{id: hb.NodeID, seen: hb.Timestamp, load: true, active: hb.Active, capacity: hb.Capacity})
}

type nodeUpdate struct {
	id       string
	role     string
	caps     map[string]string
	seen     time.Time
	load     bool
	active   int
	capacity int
}

func (r *Registry) updateNode(u nodeUpdate) {
	if u.id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[u.id]
	if !ok {
		node = &NodeInfo{ID: u.id}
		r.nodes[u.id] = node
	}
	if u.role != "" {
		node.Role = u.role
	}
	if len(u.caps) > 0 {
		node.Capabilities = u.caps
	}
	if u.load {
		node.Active, node.Capacity = u.active, u.capacity
	}
	node.LastSeen = u.seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has seen its own announcement or
// heartbeat within the timeout.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns copies of the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	nodes, err := r.meter.Int64ObservableGauge("loqa.render.nodes", metric.WithDescription("Healthy render nodes known to this node"))
	if err != nil {
		return err
	}
	spare, err := r.meter.Int64ObservableGauge("loqa.render.spare_capacity", metric.WithDescription("Render slots free across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		healthy, free := r.snapshotCounts()
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(spare, free)
		return nil
	}, nodes, spare)
	return err
}

func (r *Registry) snapshotCounts() (healthy, spare int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if !node.Healthy || node.Role != RoleRender {
			continue
		}
		healthy++
		if free := node.Capacity - node.Active; free > 0 {
			spare += int64(free)
		}
	}
	return healthy, spare
}

func WithRole(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Role == role }
}

// WithSpareCapacity selects healthy nodes that can start another render.
func WithSpareCapacity() func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Healthy && node.Active < node.Capacity
	}
}

func WithCapability(key, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Capabilities[key] == value }
}
