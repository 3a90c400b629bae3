package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lessons/internal/bus"
	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoWorkers is returned by WaitForWorker when no healthy synthesis worker
// showed up in time.
var ErrNoWorkers = errors.New("no healthy tts worker on the bus")

// Worker is a synthesis worker as seen on the bus.
type Worker struct {
	ID       string    `json:"id"`
	Backend  string    `json:"backend"`
	Model    string    `json:"model,omitempty"`
	Voice    string    `json:"voice,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Registry tracks the synthesis workers announced on the bus. A process that
// runs a worker also advertises itself through Advertise.
type Registry struct {
	cfg    config.BusConfig
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	self   *protocol.WorkerAnnouncement
	nodes  map[string]*Worker
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	clock  func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.BusConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, errors.New("worker registry requires a bus connection")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "worker-registry")),
		bus:    busClient,
		nodes:  make(map[string]*Worker),
		ctx:    ctx,
		cancel: cancel,
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}
	go r.monitorHealth(ctx)

	// workers that started before us announce again
	if err := busClient.PublishJSON(protocol.SubjectWorkerDiscover, struct{}{}); err != nil {
		r.log.Warn("failed to request worker announcements", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	discoverSub, err := conn.Subscribe(protocol.SubjectWorkerDiscover, r.handleDiscover)
	if err != nil {
		return fmt.Errorf("subscribe discover: %w", err)
	}
	r.subs = append(r.subs, discoverSub)

	return conn.Flush()
}

// Advertise announces the local worker and keeps it alive with heartbeats
// until the registry is closed.
func (r *Registry) Advertise(id, backend, model, voice string) error {
	r.mu.Lock()
	if r.self != nil {
		r.mu.Unlock()
		return fmt.Errorf("worker %s already advertised", r.self.WorkerID)
	}
	r.self = &protocol.WorkerAnnouncement{WorkerID: id, Backend: backend, Model: model, Voice: voice}
	r.mu.Unlock()

	if err := r.announce(); err != nil {
		return err
	}
	go r.runHeartbeat(r.ctx)
	r.log.Info("worker advertised", slog.String("worker_id", id), slog.String("backend", backend))
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
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
	r.mu.RLock()
	if r.self == nil {
		r.mu.RUnlock()
		return nil
	}
	msg := *r.self
	r.mu.RUnlock()

	msg.Timestamp = r.clock().UTC()
	if err := r.bus.PublishJSON(protocol.SubjectWorkerAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.WorkerID, &msg, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	r.mu.RLock()
	id := r.self.WorkerID
	r.mu.RUnlock()

	return r.bus.PublishJSON(protocol.SubjectWorkerHeartbeatPrefix+id, protocol.WorkerHeartbeat{
		WorkerID:  id,
		Timestamp: r.clock().UTC(),
	})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.WorkerAnnouncement
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.WorkerID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.WorkerID, &announcement, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.WorkerID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.WorkerID, nil, hb.Timestamp)
}

func (r *Registry) handleDiscover(*nats.Msg) {
	if err := r.announce(); err != nil {
		r.log.Warn("failed to re-announce worker", slog.String("error", err.Error()))
	}
}

func (r *Registry) updateNode(id string, announcement *protocol.WorkerAnnouncement, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		node = &Worker{ID: id}
		r.nodes[id] = node
	}
	if announcement != nil {
		node.Backend = announcement.Backend
		node.Model = announcement.Model
		node.Voice = announcement.Voice
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Query returns the known workers matching filter, ordered by id.
func (r *Registry) Query(filter func(Worker) bool) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Worker
	for _, node := range r.nodes {
		w := *node
		if filter == nil || filter(w) {
			results = append(results, w)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// WaitForWorker blocks until a healthy worker is known, the timeout passes
// or ctx is done.
func (r *Registry) WaitForWorker(ctx context.Context, timeout time.Duration) (Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if healthy := r.Query(Healthy); len(healthy) > 0 {
			return healthy[0], nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Worker{}, fmt.Errorf("%w after %s", ErrNoWorkers, timeout)
			}
			return Worker{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-lessons/internal/capability")
	gauge, err := meter.Int64ObservableGauge("lesson.tts.workers", metric.WithDescription("Known synthesis workers by health"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, stale := r.snapshotCounts()
		obs.ObserveInt64(gauge, healthy, metric.WithAttributes(attribute.Bool("healthy", true)))
		obs.ObserveInt64(gauge, stale, metric.WithAttributes(attribute.Bool("healthy", false)))
		return nil
	}, gauge)
	return err
}

func (r *Registry) snapshotCounts() (healthy, stale int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if node.Healthy {
			healthy++
		} else {
			stale++
		}
	}
	return healthy, stale
}

// Healthy selects workers that sent a heartbeat within the timeout.
func Healthy(w Worker) bool { return w.Healthy }

// WithBackend selects workers running the named backend.
func WithBackend(backend string) func(Worker) bool {
	return func(w Worker) bool { return w.Backend == backend }
}
