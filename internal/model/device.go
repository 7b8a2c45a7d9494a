package model

import "time"

type BatteryStatus string

const (
	BatteryCharging    BatteryStatus = "charging"
	BatteryDischarging BatteryStatus = "discharging"
	BatteryFull        BatteryStatus = "full"
	BatteryUnknown     BatteryStatus = "unknown"
)

type AlarmSeverity string

const (
	SeverityInfo     AlarmSeverity = "info"
	SeverityWarning  AlarmSeverity = "warning"
	SeverityError    AlarmSeverity = "error"
	SeverityCritical AlarmSeverity = "critical"
)

// ValidSeverity reports whether s is one of the known alarm severities.
func ValidSeverity(s AlarmSeverity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

type AlarmStatus string

const (
	AlarmStarted  AlarmStatus = "started"
	AlarmResolved AlarmStatus = "resolved"
)

type AlarmRecord struct {
	ID         string        `json:"id"`
	AlarmType  string        `json:"alarm_type"`
	Severity   AlarmSeverity `json:"severity"`
	Status     AlarmStatus   `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	Details    string        `json:"details,omitempty"`
}

// SlotQuota holds the SMS counters for one SIM slot. An update replaces the
// whole struct; used and limit values from different reporting instants must
// never be mixed.
type SlotQuota struct {
	DailyUsed      int        `json:"daily_used"`
	DailyLimit     int        `json:"daily_limit"`
	MonthlyUsed    int        `json:"monthly_used"`
	MonthlyLimit   int        `json:"monthly_limit"`
	DailyResetAt   *time.Time `json:"daily_reset_at,omitempty"`
	MonthlyResetAt *time.Time `json:"monthly_reset_at,omitempty"`
}

// DeviceRecord is the canonical per-device state mirrored from the gateway
// fleet. DeviceID is the stable key (IMEI).
type DeviceRecord struct {
	DeviceID     string `json:"device_id"`
	Name         string `json:"name,omitempty"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	DeviceGroup  string `json:"device_group,omitempty"`
	CountrySite  string `json:"country_site,omitempty"`

	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen,omitempty"`

	BatteryLevel  int           `json:"battery_level"`
	BatteryStatus BatteryStatus `json:"battery_status,omitempty"`

	SignalStrength int    `json:"signal_strength"`
	SignalDBm      int    `json:"signal_dbm"`
	NetworkType    string `json:"network_type,omitempty"`

	IsActive          bool   `json:"is_active"`
	MaintenanceMode   bool   `json:"maintenance_mode"`
	MaintenanceReason string `json:"maintenance_reason,omitempty"`

	EnableSMSLimits bool      `json:"enable_sms_limits"`
	Slot1           SlotQuota `json:"slot1"`
	Slot2           SlotQuota `json:"slot2"`

	Alarms []AlarmRecord `json:"alarms,omitempty"`

	// LastAppliedSeq is the per-device monotonic event counter. Internal,
	// never rendered to consumers.
	LastAppliedSeq int64 `json:"-"`
}

// Clone returns a copy safe to hand to readers while the owner keeps
// mutating the original. Alarm records are value types, so copying the
// slice is enough.
func (d DeviceRecord) Clone() DeviceRecord {
	out := d
	if d.Alarms != nil {
		out.Alarms = make([]AlarmRecord, len(d.Alarms))
		copy(out.Alarms, d.Alarms)
	}
	return out
}

// HasStartedAlarm reports whether any alarm is currently started with a
// severity of warning or above.
func (d DeviceRecord) HasStartedAlarm() bool {
	for _, a := range d.Alarms {
		if a.Status == AlarmStarted && a.Severity != SeverityInfo {
			return true
		}
	}
	return false
}

// StatusPatch carries the optional fields of a device_status event. Only
// non-nil fields are merged into the record.
type StatusPatch struct {
	Name         *string `json:"name,omitempty"`
	Model        *string `json:"model,omitempty"`
	Manufacturer *string `json:"manufacturer,omitempty"`
	DeviceGroup  *string `json:"device_group,omitempty"`
	CountrySite  *string `json:"country_site,omitempty"`

	IsOnline   *bool      `json:"is_online,omitempty"`
	LastSeenAt *time.Time `json:"last_seen,omitempty"`

	BatteryLevel  *int           `json:"battery_level,omitempty"`
	BatteryStatus *BatteryStatus `json:"battery_status,omitempty"`

	SignalStrength *int    `json:"signal_strength,omitempty"`
	SignalDBm      *int    `json:"signal_dbm,omitempty"`
	NetworkType    *string `json:"network_type,omitempty"`

	IsActive          *bool   `json:"is_active,omitempty"`
	MaintenanceMode   *bool   `json:"maintenance_mode,omitempty"`
	MaintenanceReason *string `json:"maintenance_reason,omitempty"`

	EnableSMSLimits *bool `json:"enable_sms_limits,omitempty"`
}

// ApplyTo merges the patch into the record, leaving absent fields untouched.
func (p StatusPatch) ApplyTo(d *DeviceRecord) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Model != nil {
		d.Model = *p.Model
	}
	if p.Manufacturer != nil {
		d.Manufacturer = *p.Manufacturer
	}
	if p.DeviceGroup != nil {
		d.DeviceGroup = *p.DeviceGroup
	}
	if p.CountrySite != nil {
		d.CountrySite = *p.CountrySite
	}
	if p.IsOnline != nil {
		d.IsOnline = *p.IsOnline
	}
	if p.LastSeenAt != nil {
		ts := p.LastSeenAt.UTC()
		d.LastSeenAt = &ts
	}
	if p.BatteryLevel != nil {
		d.BatteryLevel = *p.BatteryLevel
	}
	if p.BatteryStatus != nil {
		d.BatteryStatus = *p.BatteryStatus
	}
	if p.SignalStrength != nil {
		d.SignalStrength = *p.SignalStrength
	}
	if p.SignalDBm != nil {
		d.SignalDBm = *p.SignalDBm
	}
	if p.NetworkType != nil {
		d.NetworkType = *p.NetworkType
	}
	if p.IsActive != nil {
		d.IsActive = *p.IsActive
	}
	if p.MaintenanceMode != nil {
		d.MaintenanceMode = *p.MaintenanceMode
	}
	if p.MaintenanceReason != nil {
		d.MaintenanceReason = *p.MaintenanceReason
	}
	if p.EnableSMSLimits != nil {
		d.EnableSMSLimits = *p.EnableSMSLimits
	}
}
