package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"safereply/internal/apperr"
)

type BlocklistRepository struct {
	db *pgxpool.Pool
}

func NewBlocklistRepository(db *pgxpool.Pool) *BlocklistRepository {
	return &BlocklistRepository{db: db}
}

// Add 已存在时不报错
func (r *BlocklistRepository) Add(ctx context.Context, userID, sender string) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO blocklist (user_id, sender, created_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT DO NOTHING
    `, userID, sender)
	if err != nil {
		return apperr.NewExternal("blocklist.add", err)
	}
	return nil
}

func (r *BlocklistRepository) Remove(ctx context.Context, userID, sender string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM blocklist WHERE user_id = $1 AND sender = $2`, userID, sender)
	if err != nil {
		return apperr.NewExternal("blocklist.remove", err)
	}
	return nil
}

// Contains 任一 sender 命中即返回 true
func (r *BlocklistRepository) Contains(ctx context.Context, userID string, senders ...string) (bool, error) {
	if len(senders) == 0 {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM blocklist WHERE user_id = $1 AND sender = ANY($2))
    `, userID, senders).Scan(&exists)
	if err != nil {
		return false, apperr.NewExternal("blocklist.contains", err)
	}
	return exists, nil
}

func (r *BlocklistRepository) List(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT sender FROM blocklist WHERE user_id = $1 ORDER BY sender`, userID)
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
