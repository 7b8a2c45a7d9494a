package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
)

var ErrUnknownEventType = errors.New("unknown event type")

type envelope struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Seq      int64  `json:"seq"`
	TS       string `json:"ts"`

	Devices         []model.DeviceRecord `json:"devices"`
	SnapshotVersion int64                `json:"snapshot_version"`

	Patch *model.StatusPatch `json:"patch"`

	Alarm   *alarmPayload `json:"alarm"`
	AlarmID string        `json:"alarm_id"`

	Slot           int        `json:"slot"`
	DailyUsed      int        `json:"daily_used"`
	DailyLimit     int        `json:"daily_limit"`
	MonthlyUsed    int        `json:"monthly_used"`
	MonthlyLimit   int        `json:"monthly_limit"`
	DailyResetAt   *time.Time `json:"daily_reset_at"`
	MonthlyResetAt *time.Time `json:"monthly_reset_at"`
}

type alarmPayload struct {
	ID        string              `json:"id"`
	AlarmType string              `json:"alarm_type"`
	Severity  model.AlarmSeverity `json:"severity"`
	Details   string              `json:"details"`
	StartedAt *time.Time          `json:"started_at"`
}

// Decoder turns raw push-channel frames into typed events. Malformed frames
// are dropped and counted; a bad frame never stops the stream.
type Decoder struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewDecoder(logger *slog.Logger, m *metrics.Metrics) *Decoder {
	return &Decoder{logger: logger, metrics: m}
}

// Decode parses and validates one frame. On failure it increments the drop
// counter, logs, and returns the error; callers skip the frame and continue.
func (d *Decoder) Decode(raw []byte) (Event, error) {
	ev, err := decodeFrame(raw)
	if err != nil {
		d.metrics.FramesDropped.Inc()
		d.logger.Warn("dropped malformed frame", "err", err)
		return nil, err
	}
	return ev, nil
}

func decodeFrame(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	switch Kind(env.Type) {
	case KindFullSnapshot:
		for _, dev := range env.Devices {
			if dev.DeviceID == "" {
				return nil, errors.New("full_snapshot: device without device_id")
			}
		}
		return FullSnapshot{Devices: env.Devices, SnapshotVersion: env.SnapshotVersion}, nil

	case KindDeviceStatus:
		if err := requireDelta(env); err != nil {
			return nil, fmt.Errorf("device_status: %w", err)
		}
		if env.Patch == nil {
			return nil, errors.New("device_status: missing patch")
		}
		ts, err := parseTS(env.TS)
		if err != nil {
			return nil, fmt.Errorf("device_status: %w", err)
		}
		return DeviceStatus{DeviceID: env.DeviceID, Seq: env.Seq, TS: ts, Patch: *env.Patch}, nil

	case KindAlarmStarted:
		if err := requireDelta(env); err != nil {
			return nil, fmt.Errorf("alarm_started: %w", err)
		}
		if env.Alarm == nil || env.Alarm.ID == "" {
			return nil, errors.New("alarm_started: missing alarm.id")
		}
		if !model.ValidSeverity(env.Alarm.Severity) {
			return nil, fmt.Errorf("alarm_started: invalid severity %q", env.Alarm.Severity)
		}
		ts, err := parseTS(env.TS)
		if err != nil {
			return nil, fmt.Errorf("alarm_started: %w", err)
		}
		startedAt := ts
		if env.Alarm.StartedAt != nil {
			startedAt = env.Alarm.StartedAt.UTC()
		}
		return AlarmStarted{
			DeviceID: env.DeviceID,
			Seq:      env.Seq,
			TS:       ts,
			Alarm: model.AlarmRecord{
				ID:        env.Alarm.ID,
				AlarmType: env.Alarm.AlarmType,
				Severity:  env.Alarm.Severity,
				Status:    model.AlarmStarted,
				StartedAt: startedAt,
				Details:   env.Alarm.Details,
			},
		}, nil

	case KindAlarmStopped:
		if err := requireDelta(env); err != nil {
			return nil, fmt.Errorf("alarm_stopped: %w", err)
		}
		if env.AlarmID == "" {
			return nil, errors.New("alarm_stopped: missing alarm_id")
		}
		ts, err := parseTS(env.TS)
		if err != nil {
			return nil, fmt.Errorf("alarm_stopped: %w", err)
		}
		return AlarmStopped{DeviceID: env.DeviceID, Seq: env.Seq, TS: ts, AlarmID: env.AlarmID}, nil

	case KindSMSUsageUpdated:
		if err := requireDelta(env); err != nil {
			return nil, fmt.Errorf("sms_usage_updated: %w", err)
		}
		if env.Slot != 1 && env.Slot != 2 {
			return nil, fmt.Errorf("sms_usage_updated: invalid slot %d", env.Slot)
		}
		ts, err := parseTS(env.TS)
		if err != nil {
			return nil, fmt.Errorf("sms_usage_updated: %w", err)
		}
		return SMSUsageUpdated{
			DeviceID: env.DeviceID,
			Seq:      env.Seq,
			TS:       ts,
			Slot:     env.Slot,
			Quota: model.SlotQuota{
				DailyUsed:      env.DailyUsed,
				DailyLimit:     env.DailyLimit,
				MonthlyUsed:    env.MonthlyUsed,
				MonthlyLimit:   env.MonthlyLimit,
				DailyResetAt:   env.DailyResetAt,
				MonthlyResetAt: env.MonthlyResetAt,
			},
		}, nil

	case KindDeviceRemoved:
		if err := requireDelta(env); err != nil {
			return nil, fmt.Errorf("device_removed: %w", err)
		}
		return DeviceRemoved{DeviceID: env.DeviceID, Seq: env.Seq}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

func requireDelta(env envelope) error {
	if env.DeviceID == "" {
		return errors.New("missing device_id")
	}
	if env.Seq <= 0 {
		return fmt.Errorf("invalid seq %d", env.Seq)
	}
	return nil
}

func parseTS(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ts: %w", err)
	}
	return ts.UTC(), nil
}
