package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dripline/internal/tracking"
)

const recordCols = `id, scenario_id, contact_id, step_id, position, status, scheduled_at, next_check_at,
	delivered_at, claimed_at, attempts, last_error, campaign, source, seed_key, created_at, updated_at`

func scanRecord(r rowScanner) (tracking.Record, error) {
	var (
		rec                           tracking.Record
		status                        string
		scheduled, created, updated   int64
		nextCheck, delivered, claimed sql.NullInt64
		lastErr, campaign, source     sql.NullString
	)
	err := r.Scan(&rec.ID, &rec.ScenarioID, &rec.ContactID, &rec.StepID, &rec.Position, &status,
		&scheduled, &nextCheck, &delivered, &claimed, &rec.Attempts, &lastErr, &campaign, &source,
		&rec.SeedKey, &created, &updated)
	if err != nil {
		return rec, err
	}
	rec.Status = tracking.Status(status)
	rec.ScheduledAt = time.UnixMilli(scheduled).UTC()
	rec.NextCheckAt = fromMS(nextCheck)
	rec.DeliveredAt = fromMS(delivered)
	rec.ClaimedAt = fromMS(claimed)
	rec.LastError = lastErr.String
	rec.Campaign = campaign.String
	rec.Source = source.String
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func (s *Store) queryRecords(ctx context.Context, q string, args ...any) ([]tracking.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracking.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Record loads one tracking record.
func (s *Store) Record(ctx context.Context, id string) (tracking.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM tracking WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Records lists records matching f, oldest first.
func (s *Store) Records(ctx context.Context, f Filter) ([]tracking.Record, error) {
	where, args := filterSQL(f)
	return s.queryRecords(ctx, `SELECT `+recordCols+` FROM tracking WHERE 1=1`+where+` ORDER BY created_at, position`, args...)
}

func filterSQL(f Filter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	if f.ScenarioID != "" {
		b.WriteString(" AND scenario_id = ?")
		args = append(args, f.ScenarioID)
	}
	if f.ContactID != "" {
		b.WriteString(" AND contact_id = ?")
		args = append(args, f.ContactID)
	}
	if !f.Since.IsZero() {
		b.WriteString(" AND scheduled_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	return b.String(), args
}

// Seed creates a record unless one with the same seed key, or an active one
// for the same (scenario, contact, step), already exists. It returns the
// record that now stands for the seed and whether this call created it.
func (s *Store) Seed(ctx context.Context, sd Seed, now time.Time) (tracking.Record, bool, error) {
	if sd.ScenarioID == "" || sd.ContactID == "" || sd.StepID == "" || sd.SeedKey == "" {
		return tracking.Record{}, false, errors.New("seed needs scenario, contact, step and key")
	}
	id := uuid.NewString()
	status := tracking.InitialStatus(sd.DueAt, now)
	n, err := rowsAffected(s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tracking(id, scenario_id, contact_id, step_id, position, status,
			scheduled_at, next_check_at, campaign, source, seed_key, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, sd.ScenarioID, sd.ContactID, sd.StepID, sd.Position, string(status),
		sd.DueAt.UnixMilli(), sd.DueAt.UnixMilli(), nullStr(sd.Campaign), nullStr(sd.Source), sd.SeedKey,
		now.UnixMilli(), now.UnixMilli(),
	))
	if err != nil {
		return tracking.Record{}, false, fmt.Errorf("seed insert: %w", err)
	}
	if n == 1 {
		rec, err := s.Record(ctx, id)
		return rec, true, err
	}

	// Lost to an existing row: prefer the same seed, else the active one.
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM tracking WHERE seed_key = ?
		 UNION ALL
		 SELECT `+recordCols+` FROM tracking
		  WHERE scenario_id = ? AND contact_id = ? AND step_id = ? AND status IN ('waiting','ready','delivering')
		 LIMIT 1`,
		sd.SeedKey, sd.ScenarioID, sd.ContactID, sd.StepID))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, fmt.Errorf("seed %s ignored but no conflicting row: %w", sd.SeedKey, ErrNotFound)
	}
	return rec, false, err
}

// Reschedule moves a waiting record's due time, promoting it to ready when
// the new time has passed. Only waiting rows are touched.
func (s *Store) Reschedule(ctx context.Context, id string, due, now time.Time) (bool, error) {
	status := tracking.InitialStatus(due, now)
	n, err := rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking SET scheduled_at = ?, next_check_at = ?, status = ?, updated_at = ?
		  WHERE id = ? AND status = 'waiting'`,
		due.UnixMilli(), due.UnixMilli(), string(status), now.UnixMilli(), id))
	return n == 1, err
}

// Flip promotes waiting rows whose due time has arrived to ready.
func (s *Store) Flip(ctx context.Context, f Filter, now time.Time) (int64, error) {
	where, args := filterSQL(f)
	args = append([]any{now.UnixMilli(), now.UnixMilli()}, args...)
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking SET status = 'ready', updated_at = ?
		  WHERE status = 'waiting' AND scheduled_at <= ?`+where, args...))
}

// Reclaim returns delivering rows whose visibility deadline has passed to
// ready, due immediately.
func (s *Store) Reclaim(ctx context.Context, now time.Time) (int64, error) {
	t := now.UnixMilli()
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking
		    SET status = 'ready', scheduled_at = ?, next_check_at = ?, claimed_at = NULL,
		        last_error = 'reclaimed: delivery did not finish before visibility timeout', updated_at = ?
		  WHERE status = 'delivering' AND next_check_at IS NOT NULL AND next_check_at <= ?`,
		t, t, t, t))
}

// ClaimBatch atomically moves up to limit due ready rows to delivering and
// returns them ordered by due time. Rows claimed concurrently by another
// caller are not returned.
func (s *Store) ClaimBatch(ctx context.Context, f Filter, limit int, now time.Time, visibility time.Duration) ([]tracking.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	where, fargs := filterSQL(f)
	t := now.UnixMilli()
	args := []any{t, now.Add(visibility).UnixMilli(), t, t}
	args = append(args, fargs...)
	args = append(args, limit)
	recs, err := s.queryRecords(ctx,
		`UPDATE tracking
		    SET status = 'delivering', claimed_at = ?, next_check_at = ?, attempts = attempts + 1, updated_at = ?
		  WHERE status = 'ready' AND id IN (
		        SELECT id FROM tracking
		         WHERE status = 'ready' AND scheduled_at <= ?`+where+`
		         ORDER BY scheduled_at, created_at
		         LIMIT ?)
		 RETURNING `+recordCols, args...)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ScheduledAt.Before(recs[j].ScheduledAt) })
	return recs, nil
}

// Claim moves one specific ready row to delivering. ok is false when the row
// is not ready any more.
func (s *Store) Claim(ctx context.Context, id string, now time.Time, visibility time.Duration) (tracking.Record, bool, error) {
	t := now.UnixMilli()
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`UPDATE tracking
		    SET status = 'delivering', claimed_at = ?, next_check_at = ?, attempts = attempts + 1, updated_at = ?
		  WHERE id = ? AND status = 'ready'
		 RETURNING `+recordCols,
		t, now.Add(visibility).UnixMilli(), t, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// ClaimNext promotes and claims the earliest due row for one (scenario,
// contact) pair. ok is false when nothing is due.
func (s *Store) ClaimNext(ctx context.Context, scenarioID, contactID string, now time.Time, visibility time.Duration) (tracking.Record, bool, error) {
	if _, err := s.Flip(ctx, Filter{ScenarioID: scenarioID, ContactID: contactID}, now); err != nil {
		return tracking.Record{}, false, err
	}
	t := now.UnixMilli()
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`UPDATE tracking
		    SET status = 'delivering', claimed_at = ?, next_check_at = ?, attempts = attempts + 1, updated_at = ?
		  WHERE status = 'ready' AND id = (
		        SELECT id FROM tracking
		         WHERE scenario_id = ? AND contact_id = ? AND status = 'ready' AND scheduled_at <= ?
		         ORDER BY position, scheduled_at
		         LIMIT 1)
		 RETURNING `+recordCols,
		t, now.Add(visibility).UnixMilli(), t, scenarioID, contactID, t))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// MarkDelivered finishes a delivering row. false means the row was no longer
// delivering (reclaimed or exited meanwhile).
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking SET status = 'delivered', delivered_at = ?, next_check_at = NULL, last_error = NULL, updated_at = ?
		  WHERE id = ? AND status = 'delivering'`,
		at.UnixMilli(), at.UnixMilli(), id))
	return n == 1, err
}

// MarkRetry returns a delivering row to ready, due at retryAt.
func (s *Store) MarkRetry(ctx context.Context, id, reason string, retryAt, now time.Time) (bool, error) {
	n, err := rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking SET status = 'ready', scheduled_at = ?, next_check_at = ?, claimed_at = NULL, last_error = ?, updated_at = ?
		  WHERE id = ? AND status = 'delivering'`,
		retryAt.UnixMilli(), retryAt.UnixMilli(), reason, now.UnixMilli(), id))
	return n == 1, err
}

// MarkFailed makes a delivering row terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	n, err := rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking SET status = 'failed', next_check_at = NULL, last_error = ?, updated_at = ?
		  WHERE id = ? AND status = 'delivering'`,
		reason, now.UnixMilli(), id))
	return n == 1, err
}

// ExitActive marks every active record of (scenario, contact) other than
// exceptID as exited and returns how many were changed.
func (s *Store) ExitActive(ctx context.Context, scenarioID, contactID, exceptID, reason string, now time.Time) (int64, error) {
	return rowsAffected(s.db.ExecContext(ctx,
		`UPDATE tracking SET status = 'exited', next_check_at = NULL, last_error = ?, updated_at = ?
		  WHERE scenario_id = ? AND contact_id = ? AND id <> ? AND status IN ('waiting','ready','delivering')`,
		nullStr(reason), now.UnixMilli(), scenarioID, contactID, exceptID))
}

// NextWake returns the earliest moment within horizon at which a row needs
// attention: a waiting or ready row falls due, or a delivering row's
// visibility deadline expires. ok is false when nothing falls in the window.
func (s *Store) NextWake(ctx context.Context, now time.Time, horizon time.Duration) (time.Time, bool, error) {
	limit := now.Add(horizon).UnixMilli()
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(t) FROM (
		   SELECT MIN(scheduled_at) AS t FROM tracking WHERE status IN ('waiting','ready') AND scheduled_at <= ?
		   UNION ALL
		   SELECT MIN(next_check_at) AS t FROM tracking WHERE status = 'delivering' AND next_check_at <= ?
		 )`, limit, limit,
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, err
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(next.Int64).UTC(), true, nil
}

// StatusCounts returns the number of records per status.
func (s *Store) StatusCounts(ctx context.Context) (map[tracking.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tracking GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[tracking.Status]int, 6)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[tracking.Status(st)] = n
	}
	return out, rows.Err()
}
