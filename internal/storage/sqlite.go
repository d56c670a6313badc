package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "confessbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// Immediate transactions take the write lock up front so Accept's
	// read-check-write cannot interleave with another process.
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequences(name, value) VALUES(?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sqlite next sequence %q: %w", name, err)
	}
	return v, nil
}

func (s *sqliteStore) LastAccepted(ctx context.Context, subjectID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT last_accepted_at FROM cooldowns WHERE subject_id = ?`, subjectID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) QuotaCount(ctx context.Context, subjectID, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM quotas WHERE subject_id = ? AND day = ?`, subjectID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *sqliteStore) Accept(ctx context.Context, req AcceptRequest) (res AcceptResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AcceptResult{}, err
	}
	defer func() {
		if err != nil || res.Outcome != AcceptApplied {
			_ = tx.Rollback()
		}
	}()

	if req.AttemptID != "" {
		var prev int64
		err = tx.QueryRowContext(ctx, `SELECT confession_id FROM attempts WHERE attempt_id = ?`, req.AttemptID).Scan(&prev)
		switch {
		case err == nil:
			return AcceptResult{Outcome: AcceptDuplicate, ID: prev}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return AcceptResult{}, err
		}
		err = nil
	}

	sub := req.Submission
	now := sub.CreatedAt.UnixMilli()

	if req.CooldownWindow > 0 {
		var last int64
		e := tx.QueryRowContext(ctx, `SELECT last_accepted_at FROM cooldowns WHERE subject_id = ?`, sub.SubjectID).Scan(&last)
		if e != nil && !errors.Is(e, sql.ErrNoRows) {
			return AcceptResult{}, e
		}
		if e == nil {
			if elapsed := time.Duration(now-last) * time.Millisecond; elapsed < req.CooldownWindow {
				return AcceptResult{Outcome: AcceptCooldown, RetryAfter: req.CooldownWindow - elapsed}, nil
			}
		}
	}

	if req.QuotaLimit > 0 {
		var n int
		e := tx.QueryRowContext(ctx, `SELECT count FROM quotas WHERE subject_id = ? AND day = ?`, sub.SubjectID, req.Day).Scan(&n)
		if e != nil && !errors.Is(e, sql.ErrNoRows) {
			return AcceptResult{}, e
		}
		if n >= req.QuotaLimit {
			return AcceptResult{Outcome: AcceptQuota}, nil
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO submissions(confession_id, subject_id, origin_id, text, created_at, status)
		 VALUES(?,?,?,?,?,?)`,
		sub.ID, sub.SubjectID, sub.OriginID, sub.Text, now, string(StatusAccepted)); err != nil {
		return AcceptResult{}, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO cooldowns(subject_id, last_accepted_at) VALUES(?,?)
		 ON CONFLICT(subject_id) DO UPDATE SET last_accepted_at = excluded.last_accepted_at`,
		sub.SubjectID, now); err != nil {
		return AcceptResult{}, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO quotas(subject_id, day, count) VALUES(?,?,1)
		 ON CONFLICT(subject_id, day) DO UPDATE SET count = count + 1`,
		sub.SubjectID, req.Day); err != nil {
		return AcceptResult{}, err
	}
	if req.AttemptID != "" {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO attempts(attempt_id, confession_id, at) VALUES(?,?,?)`,
			req.AttemptID, sub.ID, now); err != nil {
			return AcceptResult{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return AcceptResult{}, err
	}
	return AcceptResult{Outcome: AcceptApplied, ID: sub.ID}, nil
}

func (s *sqliteStore) RecordFlagged(ctx context.Context, sub Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions(confession_id, subject_id, origin_id, text, created_at, status, reason)
		 VALUES(NULL,?,?,?,?,?,?)`,
		sub.SubjectID, sub.OriginID, sub.Text, sub.CreatedAt.UnixMilli(), string(StatusFlagged), nullStr(sub.Reason))
	return err
}

func (s *sqliteStore) MarkDispatched(ctx context.Context, id int64) error {
	r, err := s.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE confession_id = ?`, string(StatusDispatched), id)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CountSubmissions(ctx context.Context, status SubmissionStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE confession_id IS NOT NULL`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}

func (s *sqliteStore) PendingSubmissions(ctx context.Context) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT confession_id, subject_id, origin_id, text, created_at FROM submissions
		 WHERE status = ? AND confession_id IS NOT NULL ORDER BY confession_id`, string(StatusAccepted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Submission
	for rows.Next() {
		var sub Submission
		var created int64
		if err := rows.Scan(&sub.ID, &sub.SubjectID, &sub.OriginID, &sub.Text, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.UnixMilli(created)
		sub.Status = StatusAccepted
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) BanState(ctx context.Context, subjectID, originID string, now time.Time) (bool, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope FROM bans WHERE subject_id = ? AND scope IN (?, ?) AND (until = 0 OR until > ?)`,
		subjectID, ScopeGlobal, originID, now.UnixMilli())
	if err != nil {
		return false, false, err
	}
	defer rows.Close()
	var global, origin bool
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return false, false, err
		}
		if scope == ScopeGlobal {
			global = true
		} else if originID != "" {
			origin = true
		}
	}
	return global, origin, rows.Err()
}

func (s *sqliteStore) PutBan(ctx context.Context, b Ban) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	var until int64
	if !b.Until.IsZero() {
		until = b.Until.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(subject_id, scope, reason, until, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(subject_id, scope) DO UPDATE SET reason = excluded.reason, until = excluded.until`,
		b.SubjectID, b.Scope, nullStr(b.Reason), until, b.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeleteBan(ctx context.Context, subjectID, scope string) (bool, error) {
	r, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE subject_id = ? AND scope = ?`, subjectID, scope)
	if err != nil {
		return false, err
	}
	n, _ := r.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListDestinations(ctx context.Context) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, group_id, channel_id, registered_at FROM destinations ORDER BY registered_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Destination
	for rows.Next() {
		var d Destination
		var ms int64
		if err := rows.Scan(&d.ID, &d.Platform, &d.GroupID, &d.ChannelID, &ms); err != nil {
			return nil, err
		}
		d.RegisteredAt = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDestination(ctx context.Context, id string) (Destination, error) {
	var d Destination
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, group_id, channel_id, registered_at FROM destinations WHERE id = ?`, id).
		Scan(&d.ID, &d.Platform, &d.GroupID, &d.ChannelID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	if err != nil {
		return Destination{}, err
	}
	d.RegisteredAt = time.UnixMilli(ms)
	return d, nil
}

func (s *sqliteStore) UpsertDestination(ctx context.Context, d Destination) error {
	if d.ID == "" {
		d.ID = DestinationID(d.Platform, d.GroupID)
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(id, platform, group_id, channel_id, registered_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET channel_id = excluded.channel_id`,
		d.ID, d.Platform, d.GroupID, d.ChannelID, d.RegisteredAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeleteDestination(ctx context.Context, id string) (bool, error) {
	r, err := s.db.ExecContext(ctx, `DELETE FROM destinations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := r.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, origin_id, action, target, err) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.ActorID), nullStr(e.OriginID), e.Action, nullStr(e.Target), nullStr(e.Error))
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (PruneStats, error) {
	var st PruneStats
	ms := before.UnixMilli()
	steps := []struct {
		n     *int64
		query string
		arg   any
	}{
		{&st.Quotas, `DELETE FROM quotas WHERE day < ?`, dayOf(before)},
		{&st.Cooldowns, `DELETE FROM cooldowns WHERE last_accepted_at < ?`, ms},
		{&st.Attempts, `DELETE FROM attempts WHERE at < ?`, ms},
		{&st.Bans, `DELETE FROM bans WHERE until > 0 AND until < ?`, ms},
	}
	for _, step := range steps {
		r, err := s.db.ExecContext(ctx, step.query, step.arg)
		if err != nil {
			return st, err
		}
		*step.n, _ = r.RowsAffected()
	}
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
