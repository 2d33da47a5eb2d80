package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
)

// Events returns the events of runID in insertion order, optionally
// restricted to one kind.
func (s *Store) Events(ctx context.Context, runID string, kind jammer.EventKind) ([]jammer.Event, error) {
	query := `SELECT at_ns, kind, channel, to_channel, power_w, rss_dbm, pdr, strategy, detail
		FROM events WHERE run_id = ?`
	args := []any{runID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []jammer.Event
	for rows.Next() {
		var (
			atNs            int64
			kindStr, detail string
			channel, to     int
			power, rss, pdr float64
			strategy        uint32
		)
		if err := rows.Scan(&atNs, &kindStr, &channel, &to, &power, &rss, &pdr, &strategy, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, jammer.Event{
			At:        time.Unix(0, atNs).UTC(),
			Kind:      jammer.EventKind(kindStr),
			Channel:   uint16(channel),
			ToChannel: uint16(to),
			PowerW:    power,
			RSSDbm:    rss,
			PDR:       pdr,
			Strategy:  jammer.StrategyKind(strategy),
			Detail:    detail,
		})
	}
	return out, rows.Err()
}

// CountByKind tallies the events of runID.
func (s *Store) CountByKind(ctx context.Context, runID string) (map[jammer.EventKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[jammer.EventKind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[jammer.EventKind(kind)] = n
	}
	return out, rows.Err()
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, strategy, tx_power_w, jamming_duration_ns, interval_ns,
			mitigation_timeout_ns, react_to_mitigation, channel_bound
		FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func scanRun(rows *sql.Rows) (RunInfo, error) {
	var (
		info                          RunInfo
		startedNs, durNs, ivNs, mitNs int64
		strategy                      uint32
		react                         bool
		bound                         int
	)
	if err := rows.Scan(&info.ID, &startedNs, &strategy, &info.Config.TxPowerW,
		&durNs, &ivNs, &mitNs, &react, &bound); err != nil {
		return RunInfo{}, fmt.Errorf("scan run: %w", err)
	}
	info.StartedAt = time.Unix(0, startedNs).UTC()
	info.Config.Strategy = jammer.StrategyKind(strategy)
	info.Config.JammingDuration = time.Duration(durNs)
	info.Config.Interval = time.Duration(ivNs)
	info.Config.MitigationTimeout = time.Duration(mitNs)
	info.Config.ReactToMitigation = react
	info.Config.ChannelBound = uint16(bound)
	return info, nil
}
