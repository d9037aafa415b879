package owner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/model"
	"safereply/internal/repository"
)

// Registry 配置中的所有者白名单，以聊天 open_id 识别
type Registry struct {
	owners map[string]config.OwnerConfig
	order  []string
}

func NewRegistry(owners []config.OwnerConfig) *Registry {
	r := &Registry{owners: make(map[string]config.OwnerConfig)}
	for _, o := range owners {
		if o.ID == "" || o.Disabled {
			continue
		}
		if _, dup := r.owners[o.ID]; dup {
			continue
		}
		r.owners[o.ID] = o
		r.order = append(r.order, o.ID)
	}
	return r
}

// Allowed 只有白名单内的用户可以触发动作
func (r *Registry) Allowed(openID string) bool {
	_, ok := r.owners[openID]
	return ok
}

// IDs 按配置顺序
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Get(openID string) (config.OwnerConfig, bool) {
	o, ok := r.owners[openID]
	return o, ok
}

// Sync 为每个所有者建立用户记录，返回按配置顺序的用户
func (r *Registry) Sync(ctx context.Context, users repository.UserStore, logger *zap.Logger) ([]*model.User, error) {
	out := make([]*model.User, 0, len(r.order))
	for _, id := range r.order {
		o := r.owners[id]
		u, err := users.GetOrCreateByChannelID(ctx, o.ID, o.Name, o.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to sync owner %s: %w", o.ID, err)
		}
		out = append(out, u)
	}
	logger.Info("Owners synced", zap.Int("count", len(out)))
	return out, nil
}
