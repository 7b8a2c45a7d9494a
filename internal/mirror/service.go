// Package mirror owns the canonical fleet state. One goroutine applies
// decoded events; readers see consistent copies. A slow dashboard client
// can never stall ingestion (see hub); upstream trouble only degrades the
// mirror to "possibly stale", never crashes it.
package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smsgw/fleet-console/internal/event"
	"github.com/smsgw/fleet-console/internal/fleet"
	"github.com/smsgw/fleet-console/internal/hub"
	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
)

// Upstream is the connection manager surface the mirror needs: observable
// state plus the ability to demand a fresh snapshot after a detected gap.
type Upstream interface {
	State() model.ConnectionState
	RequestResync()
}

// Store persists the last-known fleet so a restart serves a warm, stale-
// flagged mirror before the first live snapshot.
type Store interface {
	LoadFleet(ctx context.Context) ([]model.DeviceRecord, int64, error)
	SaveFleet(ctx context.Context, devices []model.DeviceRecord, version int64) error
}

type Service struct {
	logger          *slog.Logger
	metrics         *metrics.Metrics
	decoder         *event.Decoder
	repo            Store
	hub             *hub.Hub
	events          chan event.Event
	persistInterval time.Duration

	mu       sync.RWMutex
	state    *fleet.State
	stale    bool
	dirty    bool
	upstream Upstream
}

func New(opts fleet.Options, queueCap int, repo Store, persistInterval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Service {
	if persistInterval <= 0 {
		persistInterval = 30 * time.Second
	}
	s := &Service{
		logger:          logger,
		metrics:         m,
		decoder:         event.NewDecoder(logger, m),
		repo:            repo,
		events:          make(chan event.Event, 256),
		persistInterval: persistInterval,
		state:           fleet.NewState(opts, logger, m),
		stale:           true,
	}
	s.hub = hub.New(queueCap, s.snapshot, logger, m)
	return s
}

// SetUpstream wires the connection manager in after construction; the
// manager needs the mirror's frame handler first.
func (s *Service) SetUpstream(u Upstream) {
	s.mu.Lock()
	s.upstream = u
	s.mu.Unlock()
}

// WarmStart seeds the state from the store. The mirror stays stale until
// the first live snapshot arrives.
func (s *Service) WarmStart(ctx context.Context) error {
	devices, version, err := s.repo.LoadFleet(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Seed(devices, version)
	s.mu.Unlock()
	if len(devices) > 0 {
		s.logger.Info("warm start from persisted fleet", "devices", len(devices), "snapshot_version", version)
	}
	return nil
}

// HandleFrame is the stream client's frame callback. Malformed frames were
// already counted and logged by the decoder; they are simply skipped.
func (s *Service) HandleFrame(raw []byte) {
	ev, err := s.decoder.Decode(raw)
	if err != nil {
		return
	}
	s.events <- ev
}

// Run is the single-writer processing loop. It owns every state mutation;
// upstream readers and downstream subscribers never touch the map.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.persist(context.Background())
			return
		case ev := <-s.events:
			s.apply(ev)
		case <-ticker.C:
			s.persist(ctx)
		}
	}
}

func (s *Service) apply(ev event.Event) {
	s.mu.Lock()
	res := s.state.Apply(ev)
	snapshot := ev.Kind() == event.KindFullSnapshot
	if snapshot {
		s.stale = false
	}
	if res.GapDetected {
		s.stale = true
	}
	var changed []model.DeviceRecord
	var removed []string
	if !snapshot && len(res.Changed) > 0 {
		s.dirty = true
		changed = s.state.Records(res.Changed)
		seen := make(map[string]struct{}, len(changed))
		for _, d := range changed {
			seen[d.DeviceID] = struct{}{}
		}
		for _, id := range res.Changed {
			if _, ok := seen[id]; !ok {
				removed = append(removed, id)
			}
		}
	}
	if snapshot {
		s.dirty = true
	}
	upstream := s.upstream
	s.mu.Unlock()

	if snapshot {
		s.hub.BroadcastSnapshot()
	} else if len(changed) > 0 || len(removed) > 0 {
		s.hub.Broadcast(changed, removed)
	}
	if res.GapDetected && upstream != nil {
		s.logger.Warn("seq gap detected, requesting full resync")
		upstream.RequestResync()
	}
}

func (s *Service) persist(ctx context.Context) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	devices := s.state.Devices()
	version := s.state.SnapshotVersion()
	s.dirty = false
	s.mu.Unlock()

	if err := s.repo.SaveFleet(ctx, devices, version); err != nil {
		s.logger.Error("fleet persist failed", "err", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (s *Service) snapshot() ([]model.DeviceRecord, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Devices(), s.state.SnapshotVersion()
}

// Devices returns the current fleet, sorted by device id.
func (s *Service) Devices() []model.DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Devices()
}

// Device returns one record by id.
func (s *Service) Device(id string) (model.DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Device(id)
}

// Subscribe registers a fan-out consumer; the first delivery is a full
// snapshot for the consumer's filter.
func (s *Service) Subscribe(f hub.Filter) *hub.Subscription {
	return s.hub.Subscribe(f)
}

// ConnectionState reports the upstream push channel state.
func (s *Service) ConnectionState() model.ConnectionState {
	s.mu.RLock()
	upstream := s.upstream
	s.mu.RUnlock()
	if upstream == nil {
		return model.ConnectionState{Phase: model.PhaseDisconnected}
	}
	return upstream.State()
}

// Stale reports whether the mirror may lag reality: not yet baselined by a
// live snapshot, recovering from a seq gap, or currently disconnected.
func (s *Service) Stale() bool {
	s.mu.RLock()
	stale := s.stale
	upstream := s.upstream
	s.mu.RUnlock()
	if stale {
		return true
	}
	return upstream == nil || !upstream.State().Connected()
}
