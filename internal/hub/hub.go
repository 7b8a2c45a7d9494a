// Package hub fans fleet changes out to subscribers. Each subscriber has a
// bounded queue; ingestion never blocks on a slow consumer. On overflow the
// subscriber's queued deltas are dropped and its next delivery is a full
// snapshot.
package hub

import (
	"log/slog"
	"sync"

	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
	"github.com/smsgw/fleet-console/internal/view"
)

const (
	UpdateSnapshot = "snapshot"
	UpdateDelta    = "update"
)

// Update is one message on a subscriber queue. A snapshot replaces
// everything the subscriber holds; a delta carries only changed records and
// removed ids.
type Update struct {
	Type            string               `json:"type"`
	Devices         []model.DeviceRecord `json:"devices"`
	Removed         []string             `json:"removed,omitempty"`
	SnapshotVersion int64                `json:"snapshot_version,omitempty"`
}

// Filter restricts a subscription to a slice of the fleet. Zero values
// match everything.
type Filter struct {
	DeviceGroup string
	CountrySite string
	Status      view.Badge
}

func (f Filter) Matches(d model.DeviceRecord) bool {
	if f.DeviceGroup != "" && d.DeviceGroup != f.DeviceGroup {
		return false
	}
	if f.CountrySite != "" && d.CountrySite != f.CountrySite {
		return false
	}
	if f.Status != "" && view.BadgeFor(d) != f.Status {
		return false
	}
	return true
}

type subscriber struct {
	filter      Filter
	ch          chan Update
	needsResync bool
}

// Subscription is a consumer's handle. Receive on C; Close tears down the
// queue without affecting other subscribers or the canonical state.
type Subscription struct {
	C   <-chan Update
	id  uint64
	hub *Hub
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

type Hub struct {
	queueCap   int
	snapshotFn func() ([]model.DeviceRecord, int64)
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

// New creates a hub. snapshotFn supplies the current fleet for initial and
// forced-resync deliveries.
func New(queueCap int, snapshotFn func() ([]model.DeviceRecord, int64), logger *slog.Logger, m *metrics.Metrics) *Hub {
	if queueCap <= 0 {
		queueCap = 64
	}
	return &Hub{
		queueCap:   queueCap,
		snapshotFn: snapshotFn,
		logger:     logger,
		metrics:    m,
		subs:       make(map[uint64]*subscriber),
	}
}

// Subscribe registers a consumer and queues an initial snapshot so the
// consumer starts from a complete baseline.
func (h *Hub) Subscribe(f Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &subscriber{filter: f, ch: make(chan Update, h.queueCap)}
	h.subs[h.nextID] = sub
	h.sendSnapshotLocked(sub)
	return &Subscription{C: sub.ch, id: h.nextID, hub: h}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

// Broadcast delivers changed records (and removed ids) to subscribers whose
// filter matches at least one change. Cost is proportional to the number of
// changed devices, not fleet size.
func (h *Hub) Broadcast(changed []model.DeviceRecord, removed []string) {
	if len(changed) == 0 && len(removed) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.needsResync {
			h.sendSnapshotLocked(sub)
			continue
		}
		var matched []model.DeviceRecord
		for _, d := range changed {
			if sub.filter.Matches(d) {
				matched = append(matched, d)
			}
		}
		if len(matched) == 0 && len(removed) == 0 {
			continue
		}
		h.offerLocked(sub, Update{Type: UpdateDelta, Devices: matched, Removed: removed})
	}
}

// BroadcastSnapshot replaces every subscriber's world after a full fleet
// snapshot was applied upstream.
func (h *Hub) BroadcastSnapshot() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		h.sendSnapshotLocked(sub)
	}
}

func (h *Hub) sendSnapshotLocked(sub *subscriber) {
	devices, version := h.snapshotFn()
	var matched []model.DeviceRecord
	for _, d := range devices {
		if sub.filter.Matches(d) {
			matched = append(matched, d)
		}
	}
	// A snapshot supersedes anything still queued. Non-blocking drain: the
	// consumer may be receiving concurrently.
drain:
	for {
		select {
		case <-sub.ch:
		default:
			break drain
		}
	}
	sub.needsResync = false
	h.offerLocked(sub, Update{Type: UpdateSnapshot, Devices: matched, SnapshotVersion: version})
}

func (h *Hub) offerLocked(sub *subscriber, u Update) {
	select {
	case sub.ch <- u:
	default:
		// Queue full: drop deltas and force a snapshot on the next pass
		// rather than blocking ingestion.
		sub.needsResync = true
		h.metrics.SubscriberOverflow.Inc()
		h.logger.Warn("subscriber queue overflow, forcing resync")
	}
}

// Len reports the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
