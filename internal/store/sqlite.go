package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chimebot/internal/notify"
	"chimebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
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

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", notify.ErrStorage, op, err)
}

const notificationCols = `id, name, type, content, minute, hour,
	day_of_week, day_of_month, months, thread_id, key_word,
	from_time, to_time, enabled, created_at, space_id, creator_id`

func scanNotification(row interface{ Scan(...any) error }) (*notify.Notification, error) {
	var n notify.Notification
	var created string
	err := row.Scan(&n.ID, &n.Name, &n.Type, &n.Content, &n.Minute, &n.Hour,
		&n.DayOfWeek, &n.DayOfMonth, &n.Months, &n.ThreadID, &n.KeyWord,
		&n.FromTime, &n.ToTime, &n.Enabled, &created, &n.SpaceID, &n.CreatorID)
	if err != nil {
		return nil, err
	}
	n.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("created_at %q: %w", created, err)
	}
	return &n, nil
}

func (s *sqliteStore) GetNotification(ctx context.Context, id string) (*notify.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+notificationCols+" FROM notifications WHERE id = ?", id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, notify.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get notification", err)
	}
	return n, nil
}

func (s *sqliteStore) SaveNotification(ctx context.Context, n *notify.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications(`+notificationCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, content=excluded.content,
			minute=excluded.minute, hour=excluded.hour,
			day_of_week=excluded.day_of_week, day_of_month=excluded.day_of_month,
			months=excluded.months, thread_id=excluded.thread_id,
			key_word=excluded.key_word, from_time=excluded.from_time,
			to_time=excluded.to_time, enabled=excluded.enabled`,
		n.ID, n.Name, n.Type, n.Content, n.Minute, n.Hour,
		n.DayOfWeek, n.DayOfMonth, n.Months, n.ThreadID, n.KeyWord,
		n.FromTime, n.ToTime, n.Enabled, n.CreatedAt.Format(time.RFC3339Nano),
		n.SpaceID, n.CreatorID)
	if err != nil {
		return storageErr("save notification", err)
	}
	return nil
}

func (s *sqliteStore) DeleteNotification(ctx context.Context, n *notify.Notification) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", n.ID); err != nil {
		return storageErr("delete notification", err)
	}
	return nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context) ([]*notify.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+notificationCols+" FROM notifications ORDER BY created_at")
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	defer rows.Close()

	var out []*notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr("list notifications", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list notifications", err)
	}
	return out, nil
}

func (s *sqliteStore) FindReminderByThread(ctx context.Context, threadID string) (*notify.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+notificationCols+" FROM notifications WHERE thread_id = ? AND type = ?",
		threadID, notify.TypeReminder)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find reminder by thread", err)
	}
	return n, nil
}

func (s *sqliteStore) ListTaggedMembers(ctx context.Context, notificationID string) ([]notify.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.member_id, COALESCE(m.name,''), COALESCE(m.display_name,''), COALESCE(m.email,'')
		FROM tagged_members t LEFT JOIN members m ON m.id = t.member_id
		WHERE t.notification_id = ?
		ORDER BY t.rowid`, notificationID)
	if err != nil {
		return nil, storageErr("list tagged members", err)
	}
	defer rows.Close()

	var out []notify.Member
	for rows.Next() {
		var m notify.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.DisplayName, &m.Email); err != nil {
			return nil, storageErr("list tagged members", err)
		}
		if m.ID == "" {
			m = notify.AllMember
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tagged members", err)
	}
	return out, nil
}

func (s *sqliteStore) AddTaggedMember(ctx context.Context, notificationID string, member *notify.Member) error {
	memberID := ""
	if member != nil {
		memberID = member.ID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tagged_members(notification_id, member_id) VALUES(?,?)
		ON CONFLICT(notification_id, member_id) DO NOTHING`,
		notificationID, memberID)
	if err != nil {
		return storageErr("add tagged member", err)
	}
	return nil
}

func (s *sqliteStore) DeleteTaggedMember(ctx context.Context, notificationID, memberID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM tagged_members WHERE notification_id = ? AND member_id = ?",
		notificationID, memberID)
	if err != nil {
		return storageErr("delete tagged member", err)
	}
	return nil
}

func (s *sqliteStore) DeleteTaggedMembers(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM tagged_members WHERE notification_id = ?", notificationID)
	if err != nil {
		return storageErr("delete tagged members", err)
	}
	return nil
}

func (s *sqliteStore) ListReceivedMessages(ctx context.Context, n *notify.Notification) ([]notify.ReceivedMessage, error) {
	q := `
		SELECT r.id, r.notification_id, r.message_name, r.received_at,
		       COALESCE(m.id,''), COALESCE(m.name,''), COALESCE(m.display_name,''), COALESCE(m.email,'')
		FROM received_messages r LEFT JOIN members m ON m.id = r.member_id
		WHERE r.notification_id = ?`
	args := []any{n.ID}
	if n.FromTime != "" && n.ToTime != "" {
		q += " AND r.received_clock >= ? AND r.received_clock <= ?"
		args = append(args, n.FromTime, n.ToTime)
	}
	q += " ORDER BY r.received_at"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list received messages", err)
	}
	defer rows.Close()

	var out []notify.ReceivedMessage
	for rows.Next() {
		var m notify.ReceivedMessage
		var at string
		if err := rows.Scan(&m.ID, &m.NotificationID, &m.MessageName, &at,
			&m.Member.ID, &m.Member.Name, &m.Member.DisplayName, &m.Member.Email); err != nil {
			return nil, storageErr("list received messages", err)
		}
		m.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, storageErr("list received messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list received messages", err)
	}
	return out, nil
}

func (s *sqliteStore) AddReceivedMessage(ctx context.Context, m notify.ReceivedMessage) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO received_messages(id, notification_id, message_name, member_id, received_at, received_clock)
		VALUES(?,?,?,?,?,?)`,
		m.ID, m.NotificationID, m.MessageName, m.Member.ID,
		m.At.Format(time.RFC3339Nano), notify.LocalClock(m.At))
	if err != nil {
		return storageErr("add received message", err)
	}
	return nil
}

func (s *sqliteStore) DeleteReceivedMessages(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM received_messages WHERE notification_id = ?", notificationID)
	if err != nil {
		return storageErr("delete received messages", err)
	}
	return nil
}

func (s *sqliteStore) findMember(ctx context.Context, col, val string) (*notify.Member, error) {
	var m notify.Member
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, display_name, email FROM members WHERE "+col+" = ?", val).
		Scan(&m.ID, &m.Name, &m.DisplayName, &m.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", val, notify.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("find member", err)
	}
	return &m, nil
}

func (s *sqliteStore) FindMemberByName(ctx context.Context, name string) (*notify.Member, error) {
	return s.findMember(ctx, "name", name)
}

func (s *sqliteStore) FindMemberByEmail(ctx context.Context, email string) (*notify.Member, error) {
	return s.findMember(ctx, "email", email)
}

func (s *sqliteStore) FindSpaceByID(ctx context.Context, id string) (*notify.Space, error) {
	var sp notify.Space
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, display_name FROM spaces WHERE id = ?", id).
		Scan(&sp.ID, &sp.Name, &sp.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("space %s: %w", id, notify.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("find space", err)
	}
	return &sp, nil
}

func (s *sqliteStore) UpsertSpace(ctx context.Context, sp notify.Space) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces(id, name, display_name) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, display_name=excluded.display_name`,
		sp.ID, sp.Name, sp.DisplayName)
	if err != nil {
		return storageErr("upsert space", err)
	}
	return nil
}

func (s *sqliteStore) UpsertMember(ctx context.Context, m notify.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members(id, name, display_name, email) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, display_name=excluded.display_name, email=excluded.email`,
		m.ID, m.Name, m.DisplayName, m.Email)
	if err != nil {
		return storageErr("upsert member", err)
	}
	return nil
}
