package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"safereply/internal/apperr"
	"safereply/internal/model"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, channel_id, display_name, email, is_active, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.ChannelID, &u.DisplayName, &u.Email, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) getOne(ctx context.Context, op, query string, arg string) (*model.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NewNotFound("users."+op, "user not found")
		}
		return nil, apperr.NewExternal("users."+op, err)
	}
	return u, nil
}

// GetByID returns user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NewNotFound("users.get", "user not found")
	}
	return r.getOne(ctx, "get", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByChannelID returns user by chat-bot identity.
func (r *UserRepository) GetByChannelID(ctx context.Context, channelID string) (*model.User, error) {
	return r.getOne(ctx, "get_by_channel", `SELECT `+userColumns+` FROM users WHERE channel_id = $1`, channelID)
}

// GetOrCreateByChannelID 首次出现的所有者自动建档
func (r *UserRepository) GetOrCreateByChannelID(ctx context.Context, channelID, displayName, email string) (*model.User, error) {
	query := `
        INSERT INTO users (id, channel_id, display_name, email, is_active, created_at)
        VALUES ($1, $2, $3, $4, TRUE, NOW())
        ON CONFLICT (channel_id) DO UPDATE
            SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
                email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email)
        RETURNING ` + userColumns
	u, err := scanUser(r.db.QueryRow(ctx, query, uuid.NewString(), channelID, displayName, email))
	if err != nil {
		return nil, apperr.NewExternal("users.get_or_create", err)
	}
	return u, nil
}

// ListActive returns all active users.
func (r *UserRepository) ListActive(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, apperr.NewExternal("users.list_active", err)
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.NewExternal("users.list_active", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
