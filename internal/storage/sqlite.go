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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"remindd/internal/notify"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, owner_id, kind, status, enabled, scheduled_at, rule,
		                   exec_count, last_executed_at, next_scheduled_at, payload,
		                   created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID.String(), t.OwnerID, string(t.Kind), string(t.Status), boolInt(t.Enabled),
		t.ScheduledAt.UnixMilli(), nullStr(t.Rule),
		t.ExecCount, nullMS(t.LastExecutedAt), t.NextScheduledAt.UnixMilli(),
		nullStr(string(t.Payload)), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, kind, status, enabled, scheduled_at, rule,
		        exec_count, last_executed_at, next_scheduled_at, payload,
		        created_at, updated_at
		 FROM tasks WHERE id = ?`, id.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, enabled=?, rule=?, exec_count=?, last_executed_at=?,
		        next_scheduled_at=?, payload=?, updated_at=?
		 WHERE id=?`,
		string(t.Status), boolInt(t.Enabled), nullStr(t.Rule), t.ExecCount,
		nullMS(t.LastExecutedAt), t.NextScheduledAt.UnixMilli(),
		nullStr(string(t.Payload)), time.Now().UnixMilli(), t.ID.String(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListPendingTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, kind, status, enabled, scheduled_at, rule,
		        exec_count, last_executed_at, next_scheduled_at, payload,
		        created_at, updated_at
		 FROM tasks WHERE status = ? AND enabled = 1
		 ORDER BY next_scheduled_at ASC`, string(task.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                   task.Task
		id, kind, status    string
		enabled             int
		schedMS, nextMS     int64
		createdMS, updMS    int64
		rule, payload       sql.NullString
		lastMS              sql.NullInt64
	)
	err := row.Scan(&id, &t.OwnerID, &kind, &status, &enabled, &schedMS, &rule,
		&t.ExecCount, &lastMS, &nextMS, &payload, &createdMS, &updMS)
	if err != nil {
		return nil, err
	}
	t.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt task id %q: %w", id, err)
	}
	t.Kind = task.Kind(kind)
	t.Status = task.Status(status)
	t.Enabled = enabled != 0
	t.ScheduledAt = time.UnixMilli(schedMS)
	t.Rule = rule.String
	if lastMS.Valid {
		t.LastExecutedAt = time.UnixMilli(lastMS.Int64)
	}
	t.NextScheduledAt = time.UnixMilli(nextMS)
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	t.CreatedAt = time.UnixMilli(createdMS)
	t.UpdatedAt = time.UnixMilli(updMS)
	return &t, nil
}

// ---- notifications ----

func (s *sqliteStore) CreateNotification(ctx context.Context, n *notify.Notification, receipts []*notify.Receipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notifications(id, owner_id, title, body, channels, status,
		                           task_id, occurred_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		n.ID.String(), n.OwnerID, n.Title, nullStr(n.Body), joinChannels(n.Channels),
		string(n.Status), nullStr(uuidStr(n.TaskID)), nullMS(n.OccurredAt),
		n.CreatedAt.UnixMilli(), n.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	for _, r := range receipts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO receipts(notification_id, channel, status, retry_count,
			                      can_retry, fail_reason, sent_at, next_retry_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			r.NotificationID.String(), string(r.Channel), string(r.Status),
			r.RetryCount, boolInt(r.CanRetry), nullStr(r.FailReason),
			nullMS(r.SentAt), nullMS(r.NextRetryAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetNotification(ctx context.Context, id uuid.UUID) (*notify.Notification, error) {
	var (
		n                notify.Notification
		nid, status      string
		channels         string
		body, taskID     sql.NullString
		occMS            sql.NullInt64
		createdMS, updMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, body, channels, status, task_id, occurred_at,
		        created_at, updated_at
		 FROM notifications WHERE id = ?`, id.String()).
		Scan(&nid, &n.OwnerID, &n.Title, &body, &channels, &status, &taskID, &occMS,
			&createdMS, &updMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.ID, err = uuid.Parse(nid)
	if err != nil {
		return nil, fmt.Errorf("corrupt notification id %q: %w", nid, err)
	}
	n.Body = body.String
	n.Channels = splitChannels(channels)
	n.Status = notify.Status(status)
	if taskID.Valid && taskID.String != "" {
		if tid, perr := uuid.Parse(taskID.String); perr == nil {
			n.TaskID = tid
		}
	}
	if occMS.Valid {
		n.OccurredAt = time.UnixMilli(occMS.Int64)
	}
	n.CreatedAt = time.UnixMilli(createdMS)
	n.UpdatedAt = time.UnixMilli(updMS)
	return &n, nil
}

func (s *sqliteStore) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status notify.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status=?, updated_at=? WHERE id=?`,
		string(status), time.Now().UnixMilli(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notify.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListReceipts(ctx context.Context, notificationID uuid.UUID) ([]*notify.Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notification_id, channel, status, retry_count, can_retry,
		        fail_reason, sent_at, next_retry_at
		 FROM receipts WHERE notification_id = ? ORDER BY channel`, notificationID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*notify.Receipt
	for rows.Next() {
		var (
			r              notify.Receipt
			nid, ch, st    string
			canRetry       int
			reason         sql.NullString
			sentMS, nextMS sql.NullInt64
		)
		if err := rows.Scan(&nid, &ch, &st, &r.RetryCount, &canRetry, &reason, &sentMS, &nextMS); err != nil {
			return nil, err
		}
		r.NotificationID, err = uuid.Parse(nid)
		if err != nil {
			return nil, fmt.Errorf("corrupt receipt notification id %q: %w", nid, err)
		}
		r.Channel = notify.Channel(ch)
		r.Status = notify.ReceiptStatus(st)
		r.CanRetry = canRetry != 0
		r.FailReason = reason.String
		if sentMS.Valid {
			r.SentAt = time.UnixMilli(sentMS.Int64)
		}
		if nextMS.Valid {
			r.NextRetryAt = time.UnixMilli(nextMS.Int64)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateReceipt(ctx context.Context, r *notify.Receipt) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET status=?, retry_count=?, can_retry=?, fail_reason=?,
		        sent_at=?, next_retry_at=?
		 WHERE notification_id=? AND channel=?`,
		string(r.Status), r.RetryCount, boolInt(r.CanRetry), nullStr(r.FailReason),
		nullMS(r.SentAt), nullMS(r.NextRetryAt),
		r.NotificationID.String(), string(r.Channel),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notify.ErrNotFound
	}
	return nil
}

// ---- dead letters ----

func (s *sqliteStore) CreateDeadLetter(ctx context.Context, dl *notify.DeadLetter) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(id, notification_id, reason, retry_count, payload, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(notification_id) DO NOTHING`,
		dl.ID.String(), dl.NotificationID.String(), nullStr(dl.Reason),
		dl.RetryCount, nullStr(string(dl.Payload)), dl.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetDeadLetter(ctx context.Context, notificationID uuid.UUID) (*notify.DeadLetter, error) {
	var (
		dl              notify.DeadLetter
		id, nid         string
		reason, payload sql.NullString
		createdMS       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, notification_id, reason, retry_count, payload, created_at
		 FROM dead_letters WHERE notification_id = ?`, notificationID.String()).
		Scan(&id, &nid, &reason, &dl.RetryCount, &payload, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dl.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt dead letter id %q: %w", id, err)
	}
	dl.NotificationID, _ = uuid.Parse(nid)
	dl.Reason = reason.String
	if payload.Valid {
		dl.Payload = json.RawMessage(payload.String)
	}
	dl.CreatedAt = time.UnixMilli(createdMS)
	return &dl, nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func uuidStr(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func joinChannels(chs []notify.Channel) string {
	parts := make([]string, len(chs))
	for i, c := range chs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitChannels(s string) []notify.Channel {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]notify.Channel, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, notify.Channel(p))
		}
	}
	return out
}
