package event

import (
	"io"
	"log/slog"
	"testing"

	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
)

func newTestDecoder() *Decoder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDecoder(logger, metrics.New())
}

func TestDecode_DeviceStatus(t *testing.T) {
	d := newTestDecoder()
	raw := []byte(`{
		"type": "device_status",
		"device_id": "356938035643809",
		"seq": 123,
		"ts": "2026-08-01T10:00:00Z",
		"patch": {"battery_level": 41, "is_online": true}
	}`)

	ev, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	status, ok := ev.(DeviceStatus)
	if !ok {
		t.Fatalf("expected DeviceStatus, got %T", ev)
	}
	if status.DeviceID != "356938035643809" || status.Seq != 123 {
		t.Fatalf("unexpected identity: %+v", status)
	}
	if status.Patch.BatteryLevel == nil || *status.Patch.BatteryLevel != 41 {
		t.Fatalf("expected battery_level 41 in patch")
	}
	if status.Patch.IsOnline == nil || !*status.Patch.IsOnline {
		t.Fatalf("expected is_online true in patch")
	}
	if status.Patch.SignalStrength != nil {
		t.Fatalf("absent fields must stay nil")
	}
}

func TestDecode_AlarmStarted(t *testing.T) {
	d := newTestDecoder()
	raw := []byte(`{
		"type": "alarm_started",
		"device_id": "D1",
		"seq": 124,
		"ts": "2026-08-01T10:00:00Z",
		"alarm": {"id": "a-9", "alarm_type": "sim_blocked", "severity": "critical", "details": "PIN locked"}
	}`)

	ev, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	started, ok := ev.(AlarmStarted)
	if !ok {
		t.Fatalf("expected AlarmStarted, got %T", ev)
	}
	if started.Alarm.ID != "a-9" || started.Alarm.Severity != model.SeverityCritical {
		t.Fatalf("unexpected alarm: %+v", started.Alarm)
	}
	if started.Alarm.Status != model.AlarmStarted {
		t.Fatalf("decoded alarm must be started")
	}
	if started.Alarm.StartedAt.IsZero() {
		t.Fatalf("started_at must fall back to frame ts")
	}
}

func TestDecode_SMSUsage(t *testing.T) {
	d := newTestDecoder()
	raw := []byte(`{
		"type": "sms_usage_updated",
		"device_id": "D1",
		"seq": 126,
		"slot": 2,
		"daily_used": 12, "daily_limit": 100,
		"monthly_used": 340, "monthly_limit": 1000,
		"daily_reset_at": "2026-08-02T00:00:00Z"
	}`)

	ev, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	usage, ok := ev.(SMSUsageUpdated)
	if !ok {
		t.Fatalf("expected SMSUsageUpdated, got %T", ev)
	}
	if usage.Slot != 2 || usage.Quota.DailyUsed != 12 || usage.Quota.MonthlyLimit != 1000 {
		t.Fatalf("unexpected quota: %+v", usage)
	}
	if usage.Quota.DailyResetAt == nil {
		t.Fatalf("expected daily_reset_at")
	}
}

func TestDecode_FullSnapshot(t *testing.T) {
	d := newTestDecoder()
	raw := []byte(`{
		"type": "full_snapshot",
		"snapshot_version": 42,
		"devices": [{"device_id": "D1", "is_online": true, "is_active": true}]
	}`)

	ev, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	snap, ok := ev.(FullSnapshot)
	if !ok {
		t.Fatalf("expected FullSnapshot, got %T", ev)
	}
	if snap.SnapshotVersion != 42 || len(snap.Devices) != 1 || snap.Devices[0].DeviceID != "D1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type": "device_rebooted", "device_id": "D1", "seq": 1}`},
		{"missing type", `{"device_id": "D1", "seq": 1}`},
		{"status without device_id", `{"type": "device_status", "seq": 1, "patch": {}}`},
		{"status without patch", `{"type": "device_status", "device_id": "D1", "seq": 1}`},
		{"status without seq", `{"type": "device_status", "device_id": "D1", "patch": {}}`},
		{"status with bad ts", `{"type": "device_status", "device_id": "D1", "seq": 1, "ts": "yesterday", "patch": {}}`},
		{"alarm without id", `{"type": "alarm_started", "device_id": "D1", "seq": 1, "alarm": {"severity": "critical"}}`},
		{"alarm with bad severity", `{"type": "alarm_started", "device_id": "D1", "seq": 1, "alarm": {"id": "a", "severity": "fatal"}}`},
		{"stop without alarm_id", `{"type": "alarm_stopped", "device_id": "D1", "seq": 1}`},
		{"usage with bad slot", `{"type": "sms_usage_updated", "device_id": "D1", "seq": 1, "slot": 3}`},
		{"removed without device_id", `{"type": "device_removed", "seq": 1}`},
		{"snapshot with anonymous device", `{"type": "full_snapshot", "devices": [{"is_online": true}]}`},
	}

	d := newTestDecoder()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := d.Decode([]byte(tc.raw)); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestDecode_BadFrameDoesNotStopStream(t *testing.T) {
	d := newTestDecoder()
	if _, err := d.Decode([]byte(`garbage`)); err == nil {
		t.Fatalf("expected error for garbage frame")
	}
	raw := []byte(`{"type": "device_removed", "device_id": "D1", "seq": 5}`)
	ev, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decoder must keep working after a bad frame: %v", err)
	}
	if _, ok := ev.(DeviceRemoved); !ok {
		t.Fatalf("expected DeviceRemoved, got %T", ev)
	}
}
