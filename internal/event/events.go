package event

import (
	"time"

	"github.com/smsgw/fleet-console/internal/model"
)

type Kind string

const (
	KindFullSnapshot    Kind = "full_snapshot"
	KindDeviceStatus    Kind = "device_status"
	KindAlarmStarted    Kind = "alarm_started"
	KindAlarmStopped    Kind = "alarm_stopped"
	KindSMSUsageUpdated Kind = "sms_usage_updated"
	KindDeviceRemoved   Kind = "device_removed"
)

// Event is the closed set of typed events produced by the decoder. Exactly
// one concrete type exists per wire frame kind; unknown kinds never pass
// the decoder.
type Event interface {
	Kind() Kind
}

// FullSnapshot replaces the entire fleet state. Sent by the hub after every
// (re)connect and on explicit resync requests.
type FullSnapshot struct {
	Devices         []model.DeviceRecord
	SnapshotVersion int64
}

func (FullSnapshot) Kind() Kind { return KindFullSnapshot }

// DeviceStatus is a partial patch of one device's record.
type DeviceStatus struct {
	DeviceID string
	Seq      int64
	TS       time.Time
	Patch    model.StatusPatch
}

func (DeviceStatus) Kind() Kind { return KindDeviceStatus }

type AlarmStarted struct {
	DeviceID string
	Seq      int64
	TS       time.Time
	Alarm    model.AlarmRecord
}

func (AlarmStarted) Kind() Kind { return KindAlarmStarted }

type AlarmStopped struct {
	DeviceID string
	Seq      int64
	TS       time.Time
	AlarmID  string
}

func (AlarmStopped) Kind() Kind { return KindAlarmStopped }

// SMSUsageUpdated replaces one SIM slot's quota counters atomically.
type SMSUsageUpdated struct {
	DeviceID string
	Seq      int64
	TS       time.Time
	Slot     int
	Quota    model.SlotQuota
}

func (SMSUsageUpdated) Kind() Kind { return KindSMSUsageUpdated }

type DeviceRemoved struct {
	DeviceID string
	Seq      int64
}

func (DeviceRemoved) Kind() Kind { return KindDeviceRemoved }
