package schedule

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/connector"
	"safereply/internal/ingest"
	"safereply/internal/model"
	"safereply/internal/repository"
	"safereply/pkg/db"
)

type stubSource struct{ typ model.SourceType }

func (s stubSource) Type() model.SourceType   { return s.typ }
func (s stubSource) Accepts(*model.User) bool { return true }
func (s stubSource) Fetch(context.Context, *model.User, int) ([]connector.Candidate, error) {
	return nil, nil
}

type fakeIngester struct{ sources []model.SourceType }

func (f *fakeIngester) IngestOnce(ctx context.Context, src connector.Source, user *model.User, maxResults int) (*ingest.Result, error) {
	f.sources = append(f.sources, src.Type())
	return &ingest.Result{Source: src.Type(), Errors: []string{"m9: boom"}}, nil
}

type fakeVerifier struct {
	err   error
	users []string
}

func (f *fakeVerifier) Accepts(u *model.User) bool { return u.ChannelID == "ou_gmail" }
func (f *fakeVerifier) Verify(ctx context.Context, u *model.User) error {
	f.users = append(f.users, u.ChannelID)
	return f.err
}

func newUsers(t *testing.T) repository.UserStore {
	t.Helper()
	ctx := context.Background()
	conn, err := db.NewSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repository.MigrateSQLite(ctx, conn))
	stores := repository.NewSQLiteStores(conn)
	t.Cleanup(stores.Close)
	for _, id := range []string{"ou_gmail", "ou_chat_only"} {
		_, err := stores.Users.GetOrCreateByChannelID(ctx, id, id, "")
		require.NoError(t, err)
	}
	return stores.Users
}

func TestWorker_Poll(t *testing.T) {
	ing := &fakeIngester{}
	w := NewWorker(ing, map[model.SourceType]connector.Source{model.SourceMail: stubSource{model.SourceMail}}, newUsers(t), nil, 20, zap.NewNop())
	mux := w.Mux()
	ctx := context.Background()

	require.NoError(t, mux.ProcessTask(ctx, NewPollTask(model.SourceMail)))
	assert.Equal(t, []model.SourceType{model.SourceMail}, ing.sources)

	err := mux.ProcessTask(ctx, NewPollTask(model.SourceChat))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestWorker_Verify(t *testing.T) {
	v := &fakeVerifier{}
	w := NewWorker(&fakeIngester{}, nil, newUsers(t), v, 20, zap.NewNop())

	require.NoError(t, w.Mux().ProcessTask(context.Background(), NewVerifyGmailTask()))
	assert.Equal(t, []string{"ou_gmail"}, v.users)

	v.err = errors.New("invalid_grant")
	assert.Error(t, w.Mux().ProcessTask(context.Background(), NewVerifyGmailTask()))
}

func TestEntries(t *testing.T) {
	got := entries(config.SchedulerConfig{MailCron: "*/5 * * * *", VerifyCron: "0 9 * * 1"})
	require.Len(t, got, 2)
	assert.Equal(t, TypePollMail, got[0].task.Type())
	assert.Equal(t, TypeVerifyGmail, got[1].task.Type())
	assert.Equal(t, "", PollTaskType(model.SourceForwarded))
}
