package fleet

import (
	"log/slog"
	"sort"
	"time"

	"github.com/smsgw/fleet-console/internal/event"
	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
)

// Options tune the reducer. MaxResolvedAlarms bounds retained resolved
// alarms per device (0 keeps everything). SeqGapThreshold flags a resync
// when a delta jumps further ahead of the record than expected (0 disables
// the check).
type Options struct {
	MaxResolvedAlarms int
	SeqGapThreshold   int64
}

// Result reports what one Apply changed. Changed lists device ids only;
// consumers fetch the records they care about. GapDetected asks the owner
// to request a fresh full snapshot.
type Result struct {
	Changed     []string
	GapDetected bool
}

// State is the canonical device_id → record map. It is not synchronized;
// a single owner goroutine applies events and guards reads (see mirror).
type State struct {
	devices         map[string]*model.DeviceRecord
	snapshotVersion int64
	opts            Options
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

func NewState(opts Options, logger *slog.Logger, m *metrics.Metrics) *State {
	return &State{
		devices: make(map[string]*model.DeviceRecord),
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// Seed loads a previously persisted fleet, typically at warm start. The
// mirror stays marked stale until the first live snapshot replaces this.
func (s *State) Seed(devices []model.DeviceRecord, version int64) {
	s.devices = make(map[string]*model.DeviceRecord, len(devices))
	for _, d := range devices {
		rec := d.Clone()
		s.devices[rec.DeviceID] = &rec
	}
	s.snapshotVersion = version
}

// Apply folds one decoded event into the state and returns the ids whose
// records changed. Delta events carry a per-device seq: anything at or
// below the record's last applied seq is a redelivery and is discarded.
func (s *State) Apply(ev event.Event) Result {
	switch e := ev.(type) {
	case event.FullSnapshot:
		return s.applySnapshot(e)
	case event.DeviceStatus:
		return s.applyDelta(e.DeviceID, e.Seq, ev.Kind(), func(rec *model.DeviceRecord) bool {
			e.Patch.ApplyTo(rec)
			return true
		})
	case event.AlarmStarted:
		return s.applyDelta(e.DeviceID, e.Seq, ev.Kind(), func(rec *model.DeviceRecord) bool {
			return s.startAlarm(rec, e.Alarm)
		})
	case event.AlarmStopped:
		return s.applyDelta(e.DeviceID, e.Seq, ev.Kind(), func(rec *model.DeviceRecord) bool {
			return s.stopAlarm(rec, e)
		})
	case event.SMSUsageUpdated:
		return s.applyDelta(e.DeviceID, e.Seq, ev.Kind(), func(rec *model.DeviceRecord) bool {
			if e.Slot == 1 {
				rec.Slot1 = e.Quota
			} else {
				rec.Slot2 = e.Quota
			}
			return true
		})
	case event.DeviceRemoved:
		return s.applyRemoval(e)
	default:
		s.logger.Warn("reducer received unhandled event", "kind", ev.Kind())
		return Result{}
	}
}

func (s *State) applySnapshot(e event.FullSnapshot) Result {
	changed := make(map[string]struct{}, len(s.devices)+len(e.Devices))
	for id := range s.devices {
		changed[id] = struct{}{}
	}

	next := make(map[string]*model.DeviceRecord, len(e.Devices))
	for _, d := range e.Devices {
		rec := d.Clone()
		rec.LastAppliedSeq = e.SnapshotVersion
		next[rec.DeviceID] = &rec
		changed[rec.DeviceID] = struct{}{}
	}
	s.devices = next
	s.snapshotVersion = e.SnapshotVersion

	s.metrics.Snapshots.Inc()
	s.metrics.EventsApplied.WithLabelValues(string(event.KindFullSnapshot)).Inc()

	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Result{Changed: ids}
}

// applyDelta runs the seq gate and upsert policy shared by all per-device
// delta events. A delta for an unseen device lazily creates a defaulted
// record rather than being rejected.
func (s *State) applyDelta(deviceID string, seq int64, kind event.Kind, mutate func(*model.DeviceRecord) bool) Result {
	rec, known := s.devices[deviceID]
	if known && seq <= rec.LastAppliedSeq {
		s.metrics.EventsStale.Inc()
		return Result{}
	}

	gap := known && s.opts.SeqGapThreshold > 0 && rec.LastAppliedSeq > 0 &&
		seq > rec.LastAppliedSeq+s.opts.SeqGapThreshold

	if !known {
		rec = &model.DeviceRecord{DeviceID: deviceID}
		s.devices[deviceID] = rec
	}

	applied := mutate(rec)
	rec.LastAppliedSeq = seq
	if !applied && known {
		// Seq still advances so a redelivery of this event stays a no-op.
		return Result{GapDetected: gap}
	}
	s.metrics.EventsApplied.WithLabelValues(string(kind)).Inc()
	return Result{Changed: []string{deviceID}, GapDetected: gap}
}

func (s *State) applyRemoval(e event.DeviceRemoved) Result {
	rec, known := s.devices[e.DeviceID]
	if !known {
		return Result{}
	}
	if e.Seq <= rec.LastAppliedSeq {
		s.metrics.EventsStale.Inc()
		return Result{}
	}
	delete(s.devices, e.DeviceID)
	s.metrics.EventsApplied.WithLabelValues(string(event.KindDeviceRemoved)).Inc()
	return Result{Changed: []string{e.DeviceID}}
}

func (s *State) startAlarm(rec *model.DeviceRecord, alarm model.AlarmRecord) bool {
	for _, a := range rec.Alarms {
		if a.ID == alarm.ID {
			// Duplicate start; the existing record wins.
			return false
		}
	}
	rec.Alarms = append(rec.Alarms, alarm)
	s.pruneResolved(rec)
	return true
}

func (s *State) stopAlarm(rec *model.DeviceRecord, e event.AlarmStopped) bool {
	for i := range rec.Alarms {
		if rec.Alarms[i].ID != e.AlarmID {
			continue
		}
		if rec.Alarms[i].Status != model.AlarmStarted {
			return false
		}
		rec.Alarms[i].Status = model.AlarmResolved
		resolvedAt := e.TS
		if resolvedAt.IsZero() {
			resolvedAt = nowUTC()
		}
		rec.Alarms[i].ResolvedAt = &resolvedAt
		s.pruneResolved(rec)
		return true
	}
	// Do not fabricate history for alarms we never saw start.
	s.logger.Warn("alarm_stopped for unknown alarm", "device_id", rec.DeviceID, "alarm_id", e.AlarmID)
	return false
}

// pruneResolved drops the oldest resolved alarms beyond the retention
// bound. Started alarms are never pruned.
func (s *State) pruneResolved(rec *model.DeviceRecord) {
	max := s.opts.MaxResolvedAlarms
	if max <= 0 {
		return
	}
	resolved := 0
	for _, a := range rec.Alarms {
		if a.Status == model.AlarmResolved {
			resolved++
		}
	}
	for resolved > max {
		oldest := -1
		for i, a := range rec.Alarms {
			if a.Status != model.AlarmResolved {
				continue
			}
			if oldest == -1 || alarmAge(rec.Alarms[i]).Before(alarmAge(rec.Alarms[oldest])) {
				oldest = i
			}
		}
		if oldest == -1 {
			return
		}
		rec.Alarms = append(rec.Alarms[:oldest], rec.Alarms[oldest+1:]...)
		resolved--
	}
}

// Devices returns cloned records sorted by device id.
func (s *State) Devices() []model.DeviceRecord {
	out := make([]model.DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Device returns a cloned record by id.
func (s *State) Device(id string) (model.DeviceRecord, bool) {
	rec, ok := s.devices[id]
	if !ok {
		return model.DeviceRecord{}, false
	}
	return rec.Clone(), true
}

// Records returns cloned records for the given ids, skipping ids that no
// longer exist (removed devices).
func (s *State) Records(ids []string) []model.DeviceRecord {
	out := make([]model.DeviceRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.devices[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (s *State) SnapshotVersion() int64 { return s.snapshotVersion }

func (s *State) Len() int { return len(s.devices) }

func nowUTC() time.Time {
	return time.Now().UTC()
}

func alarmAge(a model.AlarmRecord) time.Time {
	if a.ResolvedAt != nil {
		return *a.ResolvedAt
	}
	return a.StartedAt
}
