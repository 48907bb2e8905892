package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"modernc.org/sqlite"

	logx "postqueue/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const taskCols = `id, post_id, platform, state, scheduled_for, attempt_count, max_attempts,
	next_attempt_after, last_error, claimed_at, claim_id, last_attempt_at, sent_at, updated_at`

type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	retries uint
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers inside the process; other processes
	// are handled by busy_timeout plus retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	retries := cfg.BusyRetries
	if retries == 0 {
		retries = 5
	}
	st := &sqliteStore{db: db, log: log, retries: retries}

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// Columns added after the first schema; CREATE TABLE IF NOT EXISTS
	// leaves older files without them.
	for _, col := range []struct{ name, decl string }{
		{"claim_id", "TEXT"},
		{"last_attempt_at", "INTEGER"},
	} {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info('delivery_tasks') WHERE name = ?`, col.name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE delivery_tasks ADD COLUMN `+col.name+` `+col.decl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == 5 || code == 6 // SQLITE_BUSY, SQLITE_LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// do runs fn, retrying while the database is busy. The error returned is
// the last one fn produced so callers can match sentinels.
func (s *sqliteStore) do(ctx context.Context, op string, fn func() error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	var last error
	err := retry.Do(
		func() error {
			last = fn()
			return last
		},
		retry.Attempts(s.retries),
		retry.Delay(20*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.MaxJitter(20*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(isBusy),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("sqlite busy; retrying", logx.String("op", op), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil && last != nil {
		return last
	}
	return err
}

func (s *sqliteStore) tx(ctx context.Context, op string, fn func(q querier) error) error {
	return s.do(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toMS(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (Task, error) {
	var (
		t                    Task
		state                string
		sched, next, updated int64
		lastErr, claimID     sql.NullString
		claimed, attempted   sql.NullInt64
		sent                 sql.NullInt64
	)
	if err := sc.Scan(&t.ID, &t.PostID, &t.Platform, &state, &sched, &t.AttemptCount, &t.MaxAttempts,
		&next, &lastErr, &claimed, &claimID, &attempted, &sent, &updated); err != nil {
		return Task{}, err
	}
	t.ClaimID = claimID.String
	if attempted.Valid {
		t.LastAttemptAt = fromMS(attempted.Int64)
	}
	t.State = State(state)
	t.ScheduledFor = fromMS(sched)
	t.NextAttemptAfter = fromMS(next)
	t.UpdatedAt = fromMS(updated)
	t.LastError = lastErr.String
	if claimed.Valid {
		t.ClaimedAt = fromMS(claimed.Int64)
	}
	if sent.Valid {
		t.SentAt = fromMS(sent.Int64)
	}
	return t, nil
}

func scanPost(sc scanner) (Post, error) {
	var (
		p                       Post
		platforms               string
		sched, created, updated int64
	)
	if err := sc.Scan(&p.ID, &p.Body, &platforms, &sched, &created, &updated); err != nil {
		return Post{}, err
	}
	if err := json.Unmarshal([]byte(platforms), &p.Platforms); err != nil {
		return Post{}, fmt.Errorf("post %s: decode platforms: %w", p.ID, err)
	}
	p.ScheduledFor = fromMS(sched)
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updated)
	return p, nil
}

func insertTask(ctx context.Context, q querier, t Task) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO delivery_tasks(`+taskCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PostID, t.Platform, string(t.State), toMS(t.ScheduledFor), t.AttemptCount, t.MaxAttempts,
		toMS(t.NextAttemptAfter), nullStr(t.LastError), nullMS(t.ClaimedAt), nullStr(t.ClaimID),
		nullMS(t.LastAttemptAt), nullMS(t.SentAt), toMS(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) CreatePost(ctx context.Context, p Post, tasks []Task) error {
	platforms, err := json.Marshal(p.Platforms)
	if err != nil {
		return err
	}
	return s.tx(ctx, "create_post", func(q querier) error {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO posts(id, body, platforms, scheduled_for, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
			p.ID, p.Body, string(platforms), toMS(p.ScheduledFor), toMS(p.CreatedAt), toMS(p.UpdatedAt),
		); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := insertTask(ctx, q, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func getPost(ctx context.Context, q querier, id string) (Post, error) {
	p, err := scanPost(q.QueryRowContext(ctx,
		`SELECT id, body, platforms, scheduled_for, created_at, updated_at FROM posts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (Post, error) {
	var p Post
	err := s.do(ctx, "get_post", func() error {
		var err error
		p, err = getPost(ctx, s.db, id)
		return err
	})
	return p, err
}

func (s *sqliteStore) ListPosts(ctx context.Context, f PostFilter) ([]Post, error) {
	var (
		where []string
		args  []any
	)
	if !f.CreatedFrom.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, toMS(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		where, args = append(where, "created_at < ?"), append(args, toMS(f.CreatedTo))
	}
	if !f.ScheduledFrom.IsZero() {
		where, args = append(where, "scheduled_for >= ?"), append(args, toMS(f.ScheduledFrom))
	}
	if !f.ScheduledTo.IsZero() {
		where, args = append(where, "scheduled_for < ?"), append(args, toMS(f.ScheduledTo))
	}
	query := `SELECT id, body, platforms, scheduled_for, created_at, updated_at FROM posts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []Post
	err := s.do(ctx, "list_posts", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func listTasks(ctx context.Context, q querier, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.PostID != "" {
		where, args = append(where, "post_id = ?"), append(args, f.PostID)
	}
	if f.Platform != "" {
		where, args = append(where, "platform = ?"), append(args, f.Platform)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	query := `SELECT ` + taskCols + ` FROM delivery_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_for, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdatePost(ctx context.Context, id string, fn func(Post, []Task) (PostChange, error)) (Post, error) {
	var out Post
	err := s.tx(ctx, "update_post", func(q querier) error {
		p, err := getPost(ctx, q, id)
		if err != nil {
			return err
		}
		tasks, err := listTasks(ctx, q, TaskFilter{PostID: id})
		if err != nil {
			return err
		}
		ch, err := fn(p, tasks)
		if err != nil {
			return err
		}
		at := toMS(ch.At)

		for _, tid := range ch.Delete {
			res, err := q.ExecContext(ctx,
				`DELETE FROM delivery_tasks WHERE id = ? AND post_id = ? AND state <> 'CLAIMED'`, tid, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return taskGuardError(ctx, q, tid)
			}
		}
		for _, rs := range ch.Reschedule {
			res, err := q.ExecContext(ctx,
				`UPDATE delivery_tasks SET scheduled_for = ?,
				   next_attempt_after = CASE WHEN attempt_count > 0 THEN MAX(next_attempt_after, ?) ELSE ? END,
				   updated_at = ?
				 WHERE id = ? AND post_id = ? AND state = 'PENDING'`,
				toMS(rs.ScheduledFor), toMS(rs.ScheduledFor), toMS(rs.ScheduledFor), at, rs.TaskID, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				if err := taskGuardError(ctx, q, rs.TaskID); errors.Is(err, ErrTaskInFlight) || errors.Is(err, ErrNotFound) {
					return err
				}
			}
		}
		for _, t := range ch.Insert {
			t.PostID = id
			if err := insertTask(ctx, q, t); err != nil {
				return err
			}
		}

		if ch.Body != nil {
			p.Body = *ch.Body
		}
		if ch.Platforms != nil {
			p.Platforms = append([]string(nil), ch.Platforms...)
		}
		if ch.ScheduledFor != nil {
			p.ScheduledFor = ms(*ch.ScheduledFor)
		}
		if !ch.At.IsZero() {
			p.UpdatedAt = ms(ch.At)
		}
		platforms, err := json.Marshal(p.Platforms)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE posts SET body = ?, platforms = ?, scheduled_for = ?, updated_at = ? WHERE id = ?`,
			p.Body, string(platforms), toMS(p.ScheduledFor), toMS(p.UpdatedAt), id,
		); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// taskGuardError explains why a guarded statement touched no row.
func taskGuardError(ctx context.Context, q querier, id string) error {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM delivery_tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if State(state) == StateClaimed {
		return ErrTaskInFlight
	}
	return fmt.Errorf("task %s in state %s", id, state)
}

func (s *sqliteStore) DeletePost(ctx context.Context, id string) error {
	return s.tx(ctx, "delete_post", func(q querier) error {
		var exists, claimed int
		if err := q.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(*) FROM posts WHERE id = ?),
			        (SELECT COUNT(*) FROM delivery_tasks WHERE post_id = ? AND state = 'CLAIMED')`,
			id, id).Scan(&exists, &claimed); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		if claimed > 0 {
			return ErrTaskInFlight
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM delivery_tasks WHERE post_id = ?`, id); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
		return err
	})
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	var t Task
	err := s.do(ctx, "get_task", func() error {
		var err error
		t, err = scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM delivery_tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var out []Task
	err := s.do(ctx, "list_tasks", func() error {
		var err error
		out, err = listTasks(ctx, s.db, f)
		return err
	})
	return out, err
}

func (s *sqliteStore) Claim(ctx context.Context, platform string, now time.Time) (Claimed, bool, error) {
	var (
		c  Claimed
		ok bool
	)
	nowMS := toMS(now)
	err := s.tx(ctx, "claim", func(q querier) error {
		ok = false
		t, err := scanTask(q.QueryRowContext(ctx,
			`UPDATE delivery_tasks SET state = 'CLAIMED', claimed_at = ?, claim_id = ?, updated_at = ?
			 WHERE id = (
			   SELECT id FROM delivery_tasks
			   WHERE platform = ? AND state = 'PENDING' AND scheduled_for <= ? AND next_attempt_after <= ?
			   ORDER BY scheduled_for, id
			   LIMIT 1
			 ) AND state = 'PENDING'
			 RETURNING `+taskCols,
			nowMS, uuid.NewString(), nowMS, platform, nowMS, nowMS))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var body string
		if err := q.QueryRowContext(ctx, `SELECT body FROM posts WHERE id = ?`, t.PostID).Scan(&body); err != nil {
			return fmt.Errorf("claim %s: load post: %w", t.ID, err)
		}
		c = Claimed{Task: t, Body: body}
		ok = true
		return nil
	})
	if err != nil {
		return Claimed{}, false, err
	}
	return c, ok, nil
}

func (s *sqliteStore) Release(ctx context.Context, taskID, claimID string, now time.Time) error {
	return s.tx(ctx, "release", func(q querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE delivery_tasks SET state = 'PENDING', claimed_at = NULL, claim_id = NULL, updated_at = ?
			 WHERE id = ? AND state = 'CLAIMED' AND claim_id = ?`, toMS(now), taskID, claimID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notClaimed(ctx, q, taskID)
		}
		return nil
	})
}

func taskExists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM delivery_tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func notClaimed(ctx context.Context, q querier, id string) error {
	ok, err := taskExists(ctx, q, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrNotClaimed
}

func (s *sqliteStore) Complete(ctx context.Context, taskID, claimID string, c Completion) error {
	lastErr := nullStr(c.LastError)
	sentAt := any(nil)
	if c.State == StateSent {
		lastErr = nil
		sentAt = toMS(c.At)
	}
	return s.tx(ctx, "complete", func(q querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE delivery_tasks SET
			   state = ?,
			   attempt_count = ?,
			   last_error = ?,
			   next_attempt_after = MAX(next_attempt_after, ?),
			   claimed_at = NULL,
			   claim_id = NULL,
			   last_attempt_at = ?,
			   sent_at = COALESCE(?, sent_at),
			   updated_at = ?
			 WHERE id = ? AND state = 'CLAIMED' AND claim_id = ?`,
			string(c.State), c.AttemptCount, lastErr, toMS(c.NextAttemptAfter), toMS(c.At), sentAt, toMS(c.At),
			taskID, claimID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notClaimed(ctx, q, taskID)
		}
		return nil
	})
}

func (s *sqliteStore) ResetTask(ctx context.Context, taskID string, now time.Time) (Task, error) {
	var t Task
	nowMS := toMS(now)
	err := s.tx(ctx, "reset_task", func(q querier) error {
		var err error
		t, err = scanTask(q.QueryRowContext(ctx,
			`UPDATE delivery_tasks SET state = 'PENDING', attempt_count = 0, last_error = NULL,
			   scheduled_for = ?, next_attempt_after = ?, sent_at = NULL, updated_at = ?
			 WHERE id = ? AND state IN ('FAILED', 'EXHAUSTED')
			 RETURNING `+taskCols, nowMS, nowMS, nowMS, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			ok, err := taskExists(ctx, q, taskID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotFound
			}
			return ErrNotRetryable
		}
		return err
	})
	return t, err
}

func (s *sqliteStore) RecoverClaimed(ctx context.Context, now time.Time) (int, error) {
	return s.reap(ctx, "recover_claimed", time.Time{}, now)
}

func (s *sqliteStore) ReapClaimed(ctx context.Context, olderThan, now time.Time) (int, error) {
	return s.reap(ctx, "reap_claimed", olderThan, now)
}

func (s *sqliteStore) reap(ctx context.Context, op string, cutoff, now time.Time) (int, error) {
	query := `UPDATE delivery_tasks SET state = 'PENDING', claimed_at = NULL, claim_id = NULL,
	            next_attempt_after = MAX(next_attempt_after, ?), updated_at = ?
	          WHERE state = 'CLAIMED'`
	args := []any{toMS(now), toMS(now)}
	if !cutoff.IsZero() {
		query += ` AND claimed_at < ?`
		args = append(args, toMS(cutoff))
	}
	var n int64
	err := s.do(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *sqliteStore) PurgePosts(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.tx(ctx, "purge_posts", func(q querier) error {
		const victims = `SELECT id FROM posts WHERE created_at < ? AND NOT EXISTS (
			SELECT 1 FROM delivery_tasks t WHERE t.post_id = posts.id AND t.state IN ('PENDING', 'CLAIMED'))`
		if _, err := q.ExecContext(ctx,
			`DELETE FROM delivery_tasks WHERE post_id IN (`+victims+`)`, toMS(before)); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `DELETE FROM posts WHERE id IN (`+victims+`)`, toMS(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, "stats", func() error {
		st = Stats{ByState: map[State]int{}, ByPlatform: map[string]map[State]int{}}
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&st.Posts); err != nil {
			return err
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT platform, state, COUNT(*) FROM delivery_tasks GROUP BY platform, state`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				platform, state string
				n               int
			)
			if err := rows.Scan(&platform, &state, &n); err != nil {
				return err
			}
			st.ByState[State(state)] += n
			if st.ByPlatform[platform] == nil {
				st.ByPlatform[platform] = map[State]int{}
			}
			st.ByPlatform[platform][State(state)] = n
		}
		return rows.Err()
	})
	return st, err
}

func (s *sqliteStore) LastAttempts(ctx context.Context) (map[string]time.Time, error) {
	var out map[string]time.Time
	err := s.do(ctx, "last_attempts", func() error {
		out = map[string]time.Time{}
		rows, err := s.db.QueryContext(ctx,
			`SELECT platform, MAX(MAX(COALESCE(claimed_at, 0), COALESCE(last_attempt_at, 0)))
			 FROM delivery_tasks GROUP BY platform`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				platform string
				last     int64
			)
			if err := rows.Scan(&platform, &last); err != nil {
				return err
			}
			if last > 0 {
				out[platform] = fromMS(last)
			}
		}
		return rows.Err()
	})
	return out, err
}
