// Package store persists samples in Postgres/TimescaleDB and serves the
// realtime and rollup series reads, following the same sql.Open/
// parameterized-query idiom the teacher uses for its own Postgres
// access.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"invertertelemetry/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a Postgres/TimescaleDB connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and applies the embedded schema idempotently.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch idempotently inserts samples, returning the number of
// rows actually inserted (duplicates on (device_id, ts) are silently
// skipped).
func (s *Store) InsertBatch(ctx context.Context, samples []telemetry.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (
			device_id, ts, pv_power_w, pv_daily_kwh, battery_power_w,
			battery_soc_pct, battery_temp_c, load_power_w, export_power_w, sample_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (device_id, ts) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, sm := range samples {
		res, err := stmt.ExecContext(ctx,
			sm.DeviceID, sm.Ts, sm.PVPowerW, sm.PVDailyKWh, sm.BatteryPowerW,
			sm.BatterySOCPct, sm.BatteryTempC, sm.LoadPowerW, sm.ExportPowerW, sm.SampleCount)
		if err != nil {
			return 0, fmt.Errorf("store: insert %s@%s: %w", sm.DeviceID, sm.Ts, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return inserted, nil
}

// Latest returns the most recent sample for deviceID, or ok=false if
// none exists.
func (s *Store) Latest(ctx context.Context, deviceID string) (sample telemetry.Sample, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, ts, pv_power_w, pv_daily_kwh, battery_power_w,
		       battery_soc_pct, battery_temp_c, load_power_w, export_power_w, sample_count
		FROM samples
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT 1`, deviceID)

	err = row.Scan(&sample.DeviceID, &sample.Ts, &sample.PVPowerW, &sample.PVDailyKWh,
		&sample.BatteryPowerW, &sample.BatterySOCPct, &sample.BatteryTempC,
		&sample.LoadPowerW, &sample.ExportPowerW, &sample.SampleCount)
	if err == sql.ErrNoRows {
		return telemetry.Sample{}, false, nil
	}
	if err != nil {
		return telemetry.Sample{}, false, fmt.Errorf("store: latest: %w", err)
	}
	return sample, true, nil
}

// viewForFrame maps a frame to the continuous-aggregate view that
// serves it, per the frame-routing table: day->hourly, month->daily,
// year->monthly, all->monthly (with no time filter).
var viewForFrame = map[telemetry.Frame]string{
	telemetry.FrameDay:   "samples_hourly",
	telemetry.FrameMonth: "samples_daily",
	telemetry.FrameYear:  "samples_monthly",
	telemetry.FrameAll:   "samples_monthly",
}

const undefinedTable = "42P01"

// Series returns the rollup points for deviceID over frame, reading
// from the matching continuous aggregate view when it exists and
// falling back to a raw time_bucket query over samples otherwise (e.g.
// before the view has been created). now anchors the frame's time
// window (start of the current day/month/year in UTC); frame=all
// applies no time filter.
func (s *Store) Series(ctx context.Context, deviceID string, frame telemetry.Frame, now time.Time) ([]telemetry.SeriesPoint, error) {
	since := windowStart(frame, now)
	view := viewForFrame[frame]

	points, err := s.seriesFromView(ctx, view, deviceID, since)
	if err == nil {
		return points, nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != undefinedTable {
		return nil, err
	}
	// view missing: fall through to raw query
	return s.seriesFromRaw(ctx, deviceID, bucketIntervalForFrame(frame), since)
}

// windowStart returns the time filter's lower bound for frame, or the
// zero Time for frame=all (no filter).
func windowStart(frame telemetry.Frame, now time.Time) time.Time {
	now = now.UTC()
	switch frame {
	case telemetry.FrameDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case telemetry.FrameMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case telemetry.FrameYear:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default: // all
		return time.Time{}
	}
}

func (s *Store) seriesFromView(ctx context.Context, view, deviceID string, since time.Time) ([]telemetry.SeriesPoint, error) {
	query := fmt.Sprintf(`
		SELECT bucket, avg_pv_power_w, max_pv_power_w, avg_battery_power_w,
		       avg_battery_soc_pct, avg_load_power_w, avg_export_power_w, sample_count
		FROM %s
		WHERE device_id = $1 AND ($2::timestamptz IS NULL OR bucket >= $2)
		ORDER BY bucket ASC`, view)

	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}

	rows, err := s.db.QueryContext(ctx, query, deviceID, sinceArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSeriesRows(rows)
}

func bucketIntervalForFrame(frame telemetry.Frame) string {
	switch frame {
	case telemetry.FrameDay:
		return "1 hour"
	case telemetry.FrameMonth:
		return "1 day"
	case telemetry.FrameYear:
		return "1 month"
	default: // all
		return "1 month"
	}
}

func (s *Store) seriesFromRaw(ctx context.Context, deviceID, bucketInterval string, since time.Time) ([]telemetry.SeriesPoint, error) {
	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT time_bucket($1, ts)        AS bucket,
		       avg(pv_power_w)            AS avg_pv_power_w,
		       max(pv_power_w)            AS max_pv_power_w,
		       avg(battery_power_w)       AS avg_battery_power_w,
		       avg(battery_soc_pct)       AS avg_battery_soc_pct,
		       avg(load_power_w)          AS avg_load_power_w,
		       avg(export_power_w)        AS avg_export_power_w,
		       sum(sample_count)          AS sample_count
		FROM samples
		WHERE device_id = $2 AND ($3::timestamptz IS NULL OR ts >= $3)
		GROUP BY bucket
		ORDER BY bucket ASC`, bucketInterval, deviceID, sinceArg)
	if err != nil {
		return nil, fmt.Errorf("store: raw series query: %w", err)
	}
	defer rows.Close()
	return scanSeriesRows(rows)
}

func scanSeriesRows(rows *sql.Rows) ([]telemetry.SeriesPoint, error) {
	var points []telemetry.SeriesPoint
	for rows.Next() {
		var p telemetry.SeriesPoint
		if err := rows.Scan(&p.Bucket, &p.AvgPVPowerW, &p.MaxPVPowerW, &p.AvgBatteryPowerW,
			&p.AvgBatterySOCPct, &p.AvgLoadPowerW, &p.AvgExportPowerW, &p.SampleCount); err != nil {
			return nil, fmt.Errorf("store: scan series row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: series rows: %w", err)
	}
	return points, nil
}
