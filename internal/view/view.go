// Package view derives the UI-facing presentation of a device record. All
// functions are pure and evaluated at read time; derived values are never
// cached on the record.
package view

import (
	"fmt"
	"time"

	"github.com/smsgw/fleet-console/internal/model"
)

type Badge string

const (
	BadgeAlarm       Badge = "ALARM"
	BadgeMaintenance Badge = "MAINTENANCE"
	BadgeInactive    Badge = "INACTIVE"
	BadgeOffline     Badge = "OFFLINE"
	BadgeReady       Badge = "READY"
)

// ValidBadge reports whether b names a known health badge.
func ValidBadge(b Badge) bool {
	switch b {
	case BadgeAlarm, BadgeMaintenance, BadgeInactive, BadgeOffline, BadgeReady:
		return true
	}
	return false
}

// BadgeFor collapses the overlapping device conditions into one health
// badge. Precedence, highest first: ALARM, MAINTENANCE, INACTIVE, OFFLINE,
// READY. ALARM requires a started alarm of severity warning or above.
func BadgeFor(d model.DeviceRecord) Badge {
	switch {
	case d.HasStartedAlarm():
		return BadgeAlarm
	case d.MaintenanceMode:
		return BadgeMaintenance
	case !d.IsActive:
		return BadgeInactive
	case !d.IsOnline:
		return BadgeOffline
	default:
		return BadgeReady
	}
}

// HeartbeatAge buckets now-lastSeen for display.
func HeartbeatAge(lastSeen *time.Time, now time.Time) string {
	if lastSeen == nil {
		return "never"
	}
	age := now.Sub(*lastSeen)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

type UsageBand string

const (
	BandUnlimited UsageBand = "unlimited"
	BandOK        UsageBand = "ok"
	BandHigh      UsageBand = "high"
	BandCritical  UsageBand = "critical"
)

// UsagePercent returns used/limit as a percentage. A limit of zero means
// unlimited; the percentage is undefined and reported as 0.
func UsagePercent(used, limit int) int {
	if limit <= 0 {
		return 0
	}
	return used * 100 / limit
}

// BandFor classifies usage: critical at 90% and above, high at 75%.
func BandFor(used, limit int) UsageBand {
	if limit <= 0 {
		return BandUnlimited
	}
	pct := UsagePercent(used, limit)
	switch {
	case pct >= 90:
		return BandCritical
	case pct >= 75:
		return BandHigh
	default:
		return BandOK
	}
}

// ResetCountdown renders the time until a quota reset, floored at
// "reset now" once the instant has passed.
func ResetCountdown(resetAt *time.Time, now time.Time) string {
	if resetAt == nil {
		return ""
	}
	left := resetAt.Sub(now)
	if left <= 0 {
		return "reset now"
	}
	switch {
	case left < time.Minute:
		return "in <1m"
	case left < time.Hour:
		return fmt.Sprintf("in %dm", int(left.Minutes()))
	case left < 24*time.Hour:
		return fmt.Sprintf("in %dh", int(left.Hours()))
	default:
		return fmt.Sprintf("in %dd", int(left.Hours()/24))
	}
}

// QuotaView is the display form of one SIM slot's counters.
type QuotaView struct {
	DailyUsed      int       `json:"daily_used"`
	DailyLimit     int       `json:"daily_limit"`
	DailyPercent   int       `json:"daily_percent"`
	DailyBand      UsageBand `json:"daily_band"`
	DailyDisplay   string    `json:"daily_display"`
	DailyResetIn   string    `json:"daily_reset_in,omitempty"`
	MonthlyUsed    int       `json:"monthly_used"`
	MonthlyLimit   int       `json:"monthly_limit"`
	MonthlyPercent int       `json:"monthly_percent"`
	MonthlyBand    UsageBand `json:"monthly_band"`
	MonthlyDisplay string    `json:"monthly_display"`
	MonthlyResetIn string    `json:"monthly_reset_in,omitempty"`
}

func QuotaFor(q model.SlotQuota, now time.Time) QuotaView {
	return QuotaView{
		DailyUsed:      q.DailyUsed,
		DailyLimit:     q.DailyLimit,
		DailyPercent:   UsagePercent(q.DailyUsed, q.DailyLimit),
		DailyBand:      BandFor(q.DailyUsed, q.DailyLimit),
		DailyDisplay:   usageDisplay(q.DailyUsed, q.DailyLimit),
		DailyResetIn:   ResetCountdown(q.DailyResetAt, now),
		MonthlyUsed:    q.MonthlyUsed,
		MonthlyLimit:   q.MonthlyLimit,
		MonthlyPercent: UsagePercent(q.MonthlyUsed, q.MonthlyLimit),
		MonthlyBand:    BandFor(q.MonthlyUsed, q.MonthlyLimit),
		MonthlyDisplay: usageDisplay(q.MonthlyUsed, q.MonthlyLimit),
		MonthlyResetIn: ResetCountdown(q.MonthlyResetAt, now),
	}
}

func usageDisplay(used, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d/∞", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}

// SlotQuotas groups both slots; present on a device view only when SMS
// limits are enabled for the device.
type SlotQuotas struct {
	Slot1 QuotaView `json:"slot1"`
	Slot2 QuotaView `json:"slot2"`
}

// Device is a record decorated with its derived fields.
type Device struct {
	model.DeviceRecord
	Status      Badge       `json:"status"`
	LastSeenAge string      `json:"last_seen_age"`
	Quota       *SlotQuotas `json:"quota,omitempty"`
}

func For(d model.DeviceRecord, now time.Time) Device {
	out := Device{
		DeviceRecord: d,
		Status:       BadgeFor(d),
		LastSeenAge:  HeartbeatAge(d.LastSeenAt, now),
	}
	if d.EnableSMSLimits {
		out.Quota = &SlotQuotas{
			Slot1: QuotaFor(d.Slot1, now),
			Slot2: QuotaFor(d.Slot2, now),
		}
	}
	return out
}
