package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"safereply/internal/apperr"
	"safereply/internal/model"
	"safereply/pkg/otel"
	"safereply/pkg/outbox"
	"safereply/pkg/trace"
	"safereply/pkg/util"
)

// IngestedEvent outbox 中 message.ingested 事件的 payload
type IngestedEvent struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Source    string `json:"source"`
	TraceID   string `json:"trace_id,omitempty"`
}

// MessageRepository PostgreSQL 实现
type MessageRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	grace  time.Duration
}

// NewMessageRepository outboxRepo 为 nil 时不写恢复事件
func NewMessageRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, grace time.Duration) *MessageRepository {
	return &MessageRepository{db: db, outbox: outboxRepo, grace: grace}
}

const messageColumns = `id, user_id, source_type, source_message_id, thread_id, sender_identifier,
        sender_name, subject, body_plain, extracted_content, triage_type, triage_reason,
        priority_score, confidence, draft_reply, status, received_at, notified_at, actioned_at, metadata`

// Insert 在同一事务中写入消息和 message.ingested 事件
func (r *MessageRepository) Insert(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = model.StatusPending
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}

	query := `
        INSERT INTO messages (id, user_id, source_type, source_message_id, thread_id, sender_identifier,
            sender_name, subject, body_plain, extracted_content, status, received_at, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	return otel.WithDBSpan(ctx, "postgresql", "insert_message", query, func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return apperr.NewExternal("messages.insert", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, query,
			m.ID, m.UserID, string(m.SourceType), m.SourceMessageID, m.ThreadID, m.SenderIdentifier,
			m.SenderName, m.Subject, m.BodyPlain, m.ExtractedContent, string(m.Status), m.ReceivedAt, m.Metadata,
		)
		if err != nil {
			if util.IsUniqueViolation(err) {
				return apperr.NewConflict("messages.insert", err)
			}
			return apperr.NewExternal("messages.insert", err)
		}

		if r.outbox != nil {
			payload := IngestedEvent{
				MessageID: m.ID,
				UserID:    m.UserID,
				Source:    string(m.SourceType),
				TraceID:   trace.FromContext(ctx),
			}
			if _, err := r.outbox.InsertEventInTx(ctx, tx, AggregateMessage, m.ID, RoutingMessageIngested, payload, r.grace); err != nil {
				return apperr.NewExternal("messages.insert", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return apperr.NewExternal("messages.insert", err)
		}
		return nil
	})
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m          model.Message
		source     string
		triageType *string
		status     string
	)
	err := row.Scan(
		&m.ID, &m.UserID, &source, &m.SourceMessageID, &m.ThreadID, &m.SenderIdentifier,
		&m.SenderName, &m.Subject, &m.BodyPlain, &m.ExtractedContent, &triageType, &m.TriageReason,
		&m.PriorityScore, &m.Confidence, &m.DraftReply, &status, &m.ReceivedAt, &m.NotifiedAt, &m.ActionedAt, &m.Metadata,
	)
	if err != nil {
		return nil, err
	}
	m.SourceType = model.SourceType(source)
	m.Status = model.Status(status)
	if triageType != nil {
		m.TriageType = model.TriageType(*triageType)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	return &m, nil
}

func (r *MessageRepository) getOne(ctx context.Context, op, query string, args ...interface{}) (*model.Message, error) {
	var m *model.Message
	err := otel.WithDBSpan(ctx, "postgresql", op, query, func(ctx context.Context) error {
		var err error
		m, err = scanMessage(r.db.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NewNotFound("messages."+op, "message not found")
		}
		return nil, apperr.NewExternal("messages."+op, err)
	}
	return m, nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NewNotFound("messages.get", "message not found")
	}
	return r.getOne(ctx, "get", `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
}

func (r *MessageRepository) FindBySource(ctx context.Context, userID string, source model.SourceType, sourceMessageID string) (*model.Message, error) {
	return r.getOne(ctx, "find_by_source", `
        SELECT `+messageColumns+`
        FROM messages
        WHERE user_id = $1 AND source_type = $2 AND source_message_id = $3
    `, userID, string(source), sourceMessageID)
}

func (r *MessageRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	return otel.WithDBSpan(ctx, "postgresql", op, query, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, args...)
		if err != nil {
			return apperr.NewExternal("messages."+op, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NewNotFound("messages."+op, "message not found")
		}
		return nil
	})
}

func (r *MessageRepository) UpdateTriage(ctx context.Context, id string, t TriageUpdate) error {
	return r.exec(ctx, "update_triage", `
        UPDATE messages
        SET triage_type = $1, triage_reason = $2, priority_score = $3, confidence = $4
        WHERE id = $5
    `, string(t.Type), t.Reason, t.PriorityScore, t.Confidence, id)
}

func (r *MessageRepository) UpdateDraft(ctx context.Context, id string, draft string) error {
	return r.exec(ctx, "update_draft", `UPDATE messages SET draft_reply = $1 WHERE id = $2`, draft, id)
}

func (r *MessageRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark_notified", `
        UPDATE messages SET status = 'notified', notified_at = $1 WHERE id = $2
    `, at, id)
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, id string, status model.Status, at time.Time) error {
	return r.exec(ctx, "update_status", `
        UPDATE messages SET status = $1, actioned_at = $2 WHERE id = $3
    `, string(status), at, id)
}

func (r *MessageRepository) ThreadHistory(ctx context.Context, userID, threadID string, before time.Time, limit int) ([]*model.Message, error) {
	if threadID == "" || limit <= 0 {
		return nil, nil
	}
	query := `
        SELECT ` + messageColumns + `
        FROM messages
        WHERE user_id = $1 AND thread_id = $2 AND received_at < $3
        ORDER BY received_at DESC
        LIMIT $4
    `
	var out []*model.Message
	err := otel.WithDBSpan(ctx, "postgresql", "thread_history", query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, userID, threadID, before, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan message: %w", err)
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperr.NewExternal("messages.thread_history", err)
	}
	return out, nil
}

func (r *MessageRepository) CompletePipeline(ctx context.Context, id string) error {
	if r.outbox == nil {
		return nil
	}
	return r.outbox.MarkAggregateSent(ctx, AggregateMessage, id)
}
