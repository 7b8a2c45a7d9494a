package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/smsgw/fleet-console/internal/model"
)

const metaSnapshotVersion = "snapshot_version"

// LoadFleet returns all persisted device records and the snapshot version
// they were taken at.
func (r *Repository) LoadFleet(ctx context.Context) ([]model.DeviceRecord, int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, name, model, manufacturer, device_group, country_site,
			is_online, last_seen_at, battery_level, battery_status,
			signal_strength, signal_dbm, network_type,
			is_active, maintenance_mode, maintenance_reason,
			enable_sms_limits, slot1_json, slot2_json, alarms_json, last_applied_seq
		FROM fleet_devices`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []model.DeviceRecord
	for rows.Next() {
		var (
			d                            model.DeviceRecord
			lastSeen                     sql.NullString
			slot1JSON, slot2JSON, alarms string
		)
		if err := rows.Scan(
			&d.DeviceID, &d.Name, &d.Model, &d.Manufacturer, &d.DeviceGroup, &d.CountrySite,
			&d.IsOnline, &lastSeen, &d.BatteryLevel, &d.BatteryStatus,
			&d.SignalStrength, &d.SignalDBm, &d.NetworkType,
			&d.IsActive, &d.MaintenanceMode, &d.MaintenanceReason,
			&d.EnableSMSLimits, &slot1JSON, &slot2JSON, &alarms, &d.LastAppliedSeq,
		); err != nil {
			return nil, 0, err
		}
		d.LastSeenAt = toTimePtr(lastSeen)
		if err := json.Unmarshal([]byte(slot1JSON), &d.Slot1); err != nil {
			r.logger.Warn("discarding unreadable slot1 quota", "device_id", d.DeviceID, "err", err)
		}
		if err := json.Unmarshal([]byte(slot2JSON), &d.Slot2); err != nil {
			r.logger.Warn("discarding unreadable slot2 quota", "device_id", d.DeviceID, "err", err)
		}
		if err := json.Unmarshal([]byte(alarms), &d.Alarms); err != nil {
			r.logger.Warn("discarding unreadable alarms", "device_id", d.DeviceID, "err", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	version, err := r.loadSnapshotVersion(ctx)
	if err != nil {
		return nil, 0, err
	}
	return devices, version, nil
}

// SaveFleet replaces the persisted fleet wholesale inside one transaction.
func (r *Repository) SaveFleet(ctx context.Context, devices []model.DeviceRecord, version int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fleet_devices`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fleet_devices (
			device_id, name, model, manufacturer, device_group, country_site,
			is_online, last_seen_at, battery_level, battery_status,
			signal_strength, signal_dbm, network_type,
			is_active, maintenance_mode, maintenance_reason,
			enable_sms_limits, slot1_json, slot2_json, alarms_json,
			last_applied_seq, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, d := range devices {
		slot1JSON, err := json.Marshal(d.Slot1)
		if err != nil {
			return err
		}
		slot2JSON, err := json.Marshal(d.Slot2)
		if err != nil {
			return err
		}
		alarms := d.Alarms
		if alarms == nil {
			alarms = []model.AlarmRecord{}
		}
		alarmsJSON, err := json.Marshal(alarms)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			d.DeviceID, d.Name, d.Model, d.Manufacturer, d.DeviceGroup, d.CountrySite,
			d.IsOnline, fromTimePtr(d.LastSeenAt), d.BatteryLevel, string(d.BatteryStatus),
			d.SignalStrength, d.SignalDBm, d.NetworkType,
			d.IsActive, d.MaintenanceMode, d.MaintenanceReason,
			d.EnableSMSLimits, string(slot1JSON), string(slot2JSON), string(alarmsJSON),
			d.LastAppliedSeq, now,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fleet_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaSnapshotVersion, strconv.FormatInt(version, 10),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) loadSnapshotVersion(ctx context.Context) (int64, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM fleet_meta WHERE key = ?`, metaSnapshotVersion).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return version, nil
}
