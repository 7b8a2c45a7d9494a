package fleet

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smsgw/fleet-console/internal/event"
	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
	"github.com/smsgw/fleet-console/internal/view"
)

func newTestState(opts Options) *State {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewState(opts, logger, metrics.New())
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func statusEvent(id string, seq int64, patch model.StatusPatch) event.DeviceStatus {
	return event.DeviceStatus{DeviceID: id, Seq: seq, TS: time.Now().UTC(), Patch: patch}
}

func alarmStart(id string, seq int64, alarmID string, sev model.AlarmSeverity) event.AlarmStarted {
	return event.AlarmStarted{
		DeviceID: id,
		Seq:      seq,
		TS:       time.Now().UTC(),
		Alarm: model.AlarmRecord{
			ID:        alarmID,
			AlarmType: "signal_lost",
			Severity:  sev,
			Status:    model.AlarmStarted,
			StartedAt: time.Now().UTC(),
		},
	}
}

func alarmStop(id string, seq int64, alarmID string) event.AlarmStopped {
	return event.AlarmStopped{DeviceID: id, Seq: seq, TS: time.Now().UTC(), AlarmID: alarmID}
}

func TestApply_LazilyCreatesUnseenDevice(t *testing.T) {
	s := newTestState(Options{})
	res := s.Apply(statusEvent("D1", 1, model.StatusPatch{IsOnline: boolPtr(true)}))
	if len(res.Changed) != 1 || res.Changed[0] != "D1" {
		t.Fatalf("expected D1 changed, got %v", res.Changed)
	}
	rec, ok := s.Device("D1")
	if !ok {
		t.Fatalf("expected device to be upserted")
	}
	if !rec.IsOnline {
		t.Fatalf("patch not applied to fresh record")
	}
}

func TestApply_Idempotence(t *testing.T) {
	s := newTestState(Options{})
	ev := statusEvent("D1", 7, model.StatusPatch{BatteryLevel: intPtr(55)})

	s.Apply(ev)
	before, _ := s.Device("D1")

	res := s.Apply(ev)
	if len(res.Changed) != 0 {
		t.Fatalf("redelivered event must be a no-op, changed=%v", res.Changed)
	}
	after, _ := s.Device("D1")
	if !recordsEqual(t, before, after) {
		t.Fatalf("state changed on redelivery")
	}
}

func TestApply_OrderTolerance(t *testing.T) {
	inOrder := newTestState(Options{})
	outOfOrder := newTestState(Options{})

	events := []event.Event{
		statusEvent("D1", 1, model.StatusPatch{BatteryLevel: intPtr(80)}),
		statusEvent("D1", 2, model.StatusPatch{BatteryLevel: intPtr(70)}),
		statusEvent("D1", 3, model.StatusPatch{BatteryLevel: intPtr(60)}),
	}
	for _, ev := range events {
		inOrder.Apply(ev)
	}
	for _, i := range []int{2, 0, 1} {
		outOfOrder.Apply(events[i])
	}

	want, _ := inOrder.Device("D1")
	got, _ := outOfOrder.Device("D1")
	if got.BatteryLevel != 60 {
		t.Fatalf("stale seq must not overwrite newer state, battery=%d", got.BatteryLevel)
	}
	if !recordsEqual(t, want, got) {
		t.Fatalf("out-of-order delivery must converge to the in-order state")
	}
}

func TestApply_PartialMergeLeavesOtherFields(t *testing.T) {
	s := newTestState(Options{})
	s.Apply(statusEvent("D1", 1, model.StatusPatch{
		Name:           strPtr("Gate-7"),
		IsOnline:       boolPtr(true),
		IsActive:       boolPtr(true),
		SignalStrength: intPtr(4),
		BatteryLevel:   intPtr(90),
	}))

	s.Apply(statusEvent("D1", 2, model.StatusPatch{BatteryLevel: intPtr(41)}))

	rec, _ := s.Device("D1")
	if rec.BatteryLevel != 41 {
		t.Fatalf("patched field not updated")
	}
	if rec.Name != "Gate-7" || !rec.IsOnline || !rec.IsActive || rec.SignalStrength != 4 {
		t.Fatalf("untouched fields were clobbered: %+v", rec)
	}
}

func strPtr(v string) *string { return &v }

func TestApply_AlarmLifecycle(t *testing.T) {
	s := newTestState(Options{})
	s.Apply(alarmStart("D1", 1, "a-1", model.SeverityCritical))

	rec, _ := s.Device("D1")
	if len(rec.Alarms) != 1 || rec.Alarms[0].Status != model.AlarmStarted {
		t.Fatalf("expected one started alarm, got %+v", rec.Alarms)
	}

	// Duplicate start keeps the existing record and reports no change.
	res := s.Apply(alarmStart("D1", 2, "a-1", model.SeverityInfo))
	if len(res.Changed) != 0 {
		t.Fatalf("duplicate alarm start must be a no-op")
	}
	rec, _ = s.Device("D1")
	if len(rec.Alarms) != 1 || rec.Alarms[0].Severity != model.SeverityCritical {
		t.Fatalf("duplicate start overwrote the alarm: %+v", rec.Alarms)
	}

	s.Apply(alarmStop("D1", 3, "a-1"))
	rec, _ = s.Device("D1")
	if rec.Alarms[0].Status != model.AlarmResolved || rec.Alarms[0].ResolvedAt == nil {
		t.Fatalf("stop must resolve in place and stamp resolved_at: %+v", rec.Alarms[0])
	}

	// Stopping an unknown alarm is logged and ignored, never fabricated.
	res = s.Apply(alarmStop("D1", 4, "ghost"))
	if len(res.Changed) != 0 {
		t.Fatalf("unknown alarm stop must not change state")
	}
	rec, _ = s.Device("D1")
	if len(rec.Alarms) != 1 {
		t.Fatalf("unknown alarm stop fabricated a record")
	}
}

func TestApply_ResolvedAlarmRetention(t *testing.T) {
	s := newTestState(Options{MaxResolvedAlarms: 2})
	seq := int64(0)
	next := func() int64 { seq++; return seq }

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		s.Apply(alarmStart("D1", next(), id, model.SeverityWarning))
		s.Apply(alarmStop("D1", next(), id))
	}
	s.Apply(alarmStart("D1", next(), "a-4", model.SeverityCritical))

	rec, _ := s.Device("D1")
	resolved := 0
	for _, a := range rec.Alarms {
		if a.Status == model.AlarmResolved {
			resolved++
		}
		if a.ID == "a-4" && a.Status != model.AlarmStarted {
			t.Fatalf("started alarm must never be pruned")
		}
	}
	if resolved != 2 {
		t.Fatalf("expected retention bound of 2 resolved alarms, got %d", resolved)
	}
	for _, a := range rec.Alarms {
		if a.ID == "a-1" {
			t.Fatalf("oldest resolved alarm should have been pruned first")
		}
	}
}

func TestApply_QuotaReplacedAtomically(t *testing.T) {
	s := newTestState(Options{})
	s.Apply(event.SMSUsageUpdated{
		DeviceID: "D1", Seq: 1, Slot: 1,
		Quota: model.SlotQuota{DailyUsed: 12, DailyLimit: 100, MonthlyUsed: 340, MonthlyLimit: 1000},
	})
	s.Apply(event.SMSUsageUpdated{
		DeviceID: "D1", Seq: 2, Slot: 1,
		Quota: model.SlotQuota{DailyUsed: 13, DailyLimit: 200},
	})

	rec, _ := s.Device("D1")
	if rec.Slot1.MonthlyUsed != 0 || rec.Slot1.MonthlyLimit != 0 {
		t.Fatalf("slot update must replace the whole counters object: %+v", rec.Slot1)
	}
	if rec.Slot1.DailyUsed != 13 || rec.Slot1.DailyLimit != 200 {
		t.Fatalf("unexpected slot1: %+v", rec.Slot1)
	}
	if rec.Slot2.DailyLimit != 0 {
		t.Fatalf("slot2 must be untouched")
	}
}

func TestApply_DeviceRemoved(t *testing.T) {
	s := newTestState(Options{})
	s.Apply(statusEvent("D1", 1, model.StatusPatch{IsOnline: boolPtr(true)}))

	res := s.Apply(event.DeviceRemoved{DeviceID: "D1", Seq: 2})
	if len(res.Changed) != 1 || res.Changed[0] != "D1" {
		t.Fatalf("removal must report the removed id")
	}
	if _, ok := s.Device("D1"); ok {
		t.Fatalf("device must be deleted")
	}
	if res := s.Apply(event.DeviceRemoved{DeviceID: "D1", Seq: 3}); len(res.Changed) != 0 {
		t.Fatalf("removing an unknown device must be a no-op")
	}
}

func TestApply_SnapshotReplacesState(t *testing.T) {
	s := newTestState(Options{})
	s.Apply(statusEvent("OLD", 9, model.StatusPatch{IsOnline: boolPtr(true)}))

	res := s.Apply(event.FullSnapshot{
		SnapshotVersion: 100,
		Devices: []model.DeviceRecord{
			{DeviceID: "D1", IsOnline: true, IsActive: true},
		},
	})
	if _, ok := s.Device("OLD"); ok {
		t.Fatalf("snapshot must replace the whole fleet")
	}
	foundOld := false
	for _, id := range res.Changed {
		if id == "OLD" {
			foundOld = true
		}
	}
	if !foundOld {
		t.Fatalf("replaced devices must be reported as changed")
	}
	if s.SnapshotVersion() != 100 {
		t.Fatalf("snapshot version not recorded")
	}

	// Deltas at or below the snapshot marker are redeliveries of history
	// the snapshot already contains.
	if res := s.Apply(statusEvent("D1", 100, model.StatusPatch{IsOnline: boolPtr(false)})); len(res.Changed) != 0 {
		t.Fatalf("delta at snapshot marker must be discarded")
	}
	if res := s.Apply(statusEvent("D1", 101, model.StatusPatch{IsOnline: boolPtr(false)})); len(res.Changed) != 1 {
		t.Fatalf("delta above snapshot marker must apply")
	}
}

func TestApply_SeqGapDetection(t *testing.T) {
	s := newTestState(Options{SeqGapThreshold: 10})
	s.Apply(statusEvent("D1", 1, model.StatusPatch{IsOnline: boolPtr(true)}))

	res := s.Apply(statusEvent("D1", 5, model.StatusPatch{BatteryLevel: intPtr(50)}))
	if res.GapDetected {
		t.Fatalf("small jump must not flag a gap")
	}
	res = s.Apply(statusEvent("D1", 500, model.StatusPatch{BatteryLevel: intPtr(40)}))
	if !res.GapDetected {
		t.Fatalf("large jump must flag a gap")
	}
	rec, _ := s.Device("D1")
	if rec.BatteryLevel != 40 {
		t.Fatalf("gap-flagged event must still apply")
	}
}

func TestApply_ReconnectRecoveryEquivalence(t *testing.T) {
	continuous := newTestState(Options{})
	interrupted := newTestState(Options{})

	events := []event.Event{
		statusEvent("D1", 1, model.StatusPatch{IsOnline: boolPtr(true), IsActive: boolPtr(true)}),
		alarmStart("D1", 2, "a-1", model.SeverityError),
		statusEvent("D2", 1, model.StatusPatch{IsOnline: boolPtr(true)}),
		event.SMSUsageUpdated{DeviceID: "D1", Seq: 3, Slot: 1, Quota: model.SlotQuota{DailyUsed: 9, DailyLimit: 10}},
		alarmStop("D1", 4, "a-1"),
	}
	for _, ev := range events {
		continuous.Apply(ev)
	}

	// The interrupted mirror saw only the first two events, then
	// reconnects and receives a snapshot of current truth.
	interrupted.Apply(events[0])
	interrupted.Apply(events[1])
	interrupted.Apply(event.FullSnapshot{SnapshotVersion: 4, Devices: continuous.Devices()})

	want, err := json.Marshal(continuous.Devices())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := json.Marshal(interrupted.Devices())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("post-snapshot state differs from continuously-connected state:\nwant %s\ngot  %s", want, got)
	}
}

func TestBadgeScenario(t *testing.T) {
	s := newTestState(Options{})
	s.Apply(statusEvent("D1", 1, model.StatusPatch{IsOnline: boolPtr(true), IsActive: boolPtr(true)}))

	rec, _ := s.Device("D1")
	if got := view.BadgeFor(rec); got != view.BadgeReady {
		t.Fatalf("expected READY, got %s", got)
	}

	s.Apply(alarmStart("D1", 2, "a-1", model.SeverityCritical))
	rec, _ = s.Device("D1")
	if got := view.BadgeFor(rec); got != view.BadgeAlarm {
		t.Fatalf("expected ALARM, got %s", got)
	}

	s.Apply(statusEvent("D1", 3, model.StatusPatch{MaintenanceMode: boolPtr(true)}))
	rec, _ = s.Device("D1")
	if got := view.BadgeFor(rec); got != view.BadgeAlarm {
		t.Fatalf("ALARM must outrank MAINTENANCE, got %s", got)
	}

	s.Apply(alarmStop("D1", 4, "a-1"))
	rec, _ = s.Device("D1")
	if got := view.BadgeFor(rec); got != view.BadgeMaintenance {
		t.Fatalf("expected MAINTENANCE after alarm resolved, got %s", got)
	}
}

func recordsEqual(t *testing.T, a, b model.DeviceRecord) bool {
	t.Helper()
	aj, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	bj, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.Equal(aj, bj)
}
