package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"safereply/internal/apperr"
	"safereply/internal/model"
	"safereply/pkg/otel"
	"safereply/pkg/util"
)

// SQLite 存储：local 环境与测试使用，时间以 unix 毫秒保存
// 没有 outbox，CompletePipeline 为空操作

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return util.IsUniqueViolation(err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}

// NewSQLiteStores 基于同一个 *sql.DB 的三个仓储
func NewSQLiteStores(db *sql.DB) Stores {
	return Stores{
		Messages:  &SQLiteMessageRepository{db: db},
		Users:     &SQLiteUserRepository{db: db},
		Blocklist: &SQLiteBlocklistRepository{db: db},
		DB:        sqlPinger{db},
		Close:     func() { _ = db.Close() },
	}
}

type sqlPinger struct{ db *sql.DB }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type SQLiteMessageRepository struct {
	db *sql.DB
}

func (r *SQLiteMessageRepository) Insert(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = model.StatusPending
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return apperr.E(apperr.KindValidation, "messages.insert", "invalid metadata", err)
	}

	query := `
        INSERT INTO messages (id, user_id, source_type, source_message_id, thread_id, sender_identifier,
            sender_name, subject, body_plain, extracted_content, status, received_at, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	return otel.WithDBSpan(ctx, "sqlite", "insert_message", query, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			m.ID, m.UserID, string(m.SourceType), m.SourceMessageID, m.ThreadID, m.SenderIdentifier,
			m.SenderName, m.Subject, m.BodyPlain, m.ExtractedContent, string(m.Status), toMillis(m.ReceivedAt), string(meta),
		)
		if err != nil {
			if isSQLiteUnique(err) {
				return apperr.NewConflict("messages.insert", err)
			}
			return apperr.NewExternal("messages.insert", err)
		}
		return nil
	})
}

type sqlRow interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteMessage(row sqlRow) (*model.Message, error) {
	var (
		m          model.Message
		source     string
		status     string
		triageType sql.NullString
		draft      sql.NullString
		receivedAt int64
		notifiedAt sql.NullInt64
		actionedAt sql.NullInt64
		meta       string
	)
	err := row.Scan(
		&m.ID, &m.UserID, &source, &m.SourceMessageID, &m.ThreadID, &m.SenderIdentifier,
		&m.SenderName, &m.Subject, &m.BodyPlain, &m.ExtractedContent, &triageType, &m.TriageReason,
		&m.PriorityScore, &m.Confidence, &draft, &status, &receivedAt, &notifiedAt, &actionedAt, &meta,
	)
	if err != nil {
		return nil, err
	}
	m.SourceType = model.SourceType(source)
	m.Status = model.Status(status)
	if triageType.Valid {
		m.TriageType = model.TriageType(triageType.String)
	}
	if draft.Valid {
		d := draft.String
		m.DraftReply = &d
	}
	m.ReceivedAt = time.UnixMilli(receivedAt)
	m.NotifiedAt = fromMillis(notifiedAt)
	m.ActionedAt = fromMillis(actionedAt)
	m.Metadata = map[string]string{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (r *SQLiteMessageRepository) getOne(ctx context.Context, op, query string, args ...interface{}) (*model.Message, error) {
	m, err := scanSQLiteMessage(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewNotFound("messages."+op, "message not found")
		}
		return nil, apperr.NewExternal("messages."+op, err)
	}
	return m, nil
}

func (r *SQLiteMessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	return r.getOne(ctx, "get", `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
}

func (r *SQLiteMessageRepository) FindBySource(ctx context.Context, userID string, source model.SourceType, sourceMessageID string) (*model.Message, error) {
	return r.getOne(ctx, "find_by_source", `
        SELECT `+messageColumns+`
        FROM messages
        WHERE user_id = ? AND source_type = ? AND source_message_id = ?
    `, userID, string(source), sourceMessageID)
}

func (r *SQLiteMessageRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.NewExternal("messages."+op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NewNotFound("messages."+op, "message not found")
	}
	return nil
}

func (r *SQLiteMessageRepository) UpdateTriage(ctx context.Context, id string, t TriageUpdate) error {
	return r.exec(ctx, "update_triage", `
        UPDATE messages
        SET triage_type = ?, triage_reason = ?, priority_score = ?, confidence = ?
        WHERE id = ?
    `, string(t.Type), t.Reason, t.PriorityScore, t.Confidence, id)
}

func (r *SQLiteMessageRepository) UpdateDraft(ctx context.Context, id string, draft string) error {
	return r.exec(ctx, "update_draft", `UPDATE messages SET draft_reply = ? WHERE id = ?`, draft, id)
}

func (r *SQLiteMessageRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark_notified", `
        UPDATE messages SET status = 'notified', notified_at = ? WHERE id = ?
    `, toMillis(at), id)
}

func (r *SQLiteMessageRepository) UpdateStatus(ctx context.Context, id string, status model.Status, at time.Time) error {
	return r.exec(ctx, "update_status", `
        UPDATE messages SET status = ?, actioned_at = ? WHERE id = ?
    `, string(status), toMillis(at), id)
}

func (r *SQLiteMessageRepository) ThreadHistory(ctx context.Context, userID, threadID string, before time.Time, limit int) ([]*model.Message, error) {
	if threadID == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE user_id = ? AND thread_id = ? AND received_at < ?
        ORDER BY received_at DESC
        LIMIT ?
    `, userID, threadID, toMillis(before), limit)
	if err != nil {
		return nil, apperr.NewExternal("messages.thread_history", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, apperr.NewExternal("messages.thread_history", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SQLiteMessageRepository) CompletePipeline(ctx context.Context, id string) error {
	return nil
}

type SQLiteUserRepository struct {
	db *sql.DB
}

func scanSQLiteUser(row sqlRow) (*model.User, error) {
	var (
		u         model.User
		active    int
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.ChannelID, &u.DisplayName, &u.Email, &active, &createdAt); err != nil {
		return nil, err
	}
	u.IsActive = active != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, nil
}

func (r *SQLiteUserRepository) getOne(ctx context.Context, op, query, arg string) (*model.User, error) {
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewNotFound("users."+op, "user not found")
		}
		return nil, apperr.NewExternal("users."+op, err)
	}
	return u, nil
}

func (r *SQLiteUserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	return r.getOne(ctx, "get", `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r *SQLiteUserRepository) GetByChannelID(ctx context.Context, channelID string) (*model.User, error) {
	return r.getOne(ctx, "get_by_channel", `SELECT `+userColumns+` FROM users WHERE channel_id = ?`, channelID)
}

func (r *SQLiteUserRepository) GetOrCreateByChannelID(ctx context.Context, channelID, displayName, email string) (*model.User, error) {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO users (id, channel_id, display_name, email, is_active, created_at)
        VALUES (?, ?, ?, ?, 1, ?)
        ON CONFLICT (channel_id) DO UPDATE
            SET display_name = COALESCE(NULLIF(excluded.display_name, ''), users.display_name),
                email = COALESCE(NULLIF(excluded.email, ''), users.email)
    `, uuid.NewString(), channelID, displayName, email, toMillis(time.Now()))
	if err != nil {
		return nil, apperr.NewExternal("users.get_or_create", err)
	}
	return r.GetByChannelID(ctx, channelID)
}

func (r *SQLiteUserRepository) ListActive(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, apperr.NewExternal("users.list_active", err)
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, apperr.NewExternal("users.list_active", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type SQLiteBlocklistRepository struct {
	db *sql.DB
}

func (r *SQLiteBlocklistRepository) Add(ctx context.Context, userID, sender string) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO blocklist (user_id, sender, created_at) VALUES (?, ?, ?)
        ON CONFLICT DO NOTHING
    `, userID, sender, toMillis(time.Now()))
	if err != nil {
		return apperr.NewExternal("blocklist.add", err)
	}
	return nil
}

func (r *SQLiteBlocklistRepository) Remove(ctx context.Context, userID, sender string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocklist WHERE user_id = ? AND sender = ?`, userID, sender); err != nil {
		return apperr.NewExternal("blocklist.remove", err)
	}
	return nil
}

func (r *SQLiteBlocklistRepository) Contains(ctx context.Context, userID string, senders ...string) (bool, error) {
	if len(senders) == 0 {
		return false, nil
	}
	args := make([]interface{}, 0, len(senders)+1)
	args = append(args, userID)
	for _, s := range senders {
		args = append(args, s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(senders)), ",")

	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocklist WHERE user_id = ? AND sender IN (`+placeholders+`))`,
		args...,
	).Scan(&exists)
	if err != nil {
		return false, apperr.NewExternal("blocklist.contains", err)
	}
	return exists == 1, nil
}

func (r *SQLiteBlocklistRepository) List(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT sender FROM blocklist WHERE user_id = ? ORDER BY sender`, userID)
	if err != nil {
		return nil, apperr.NewExternal("blocklist.list", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperr.NewExternal("blocklist.list", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
