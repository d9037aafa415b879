package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/ai"
	"safereply/internal/blocklist"
	"safereply/internal/config"
	"safereply/internal/connector"
	"safereply/internal/dedup"
	"safereply/internal/model"
	"safereply/internal/notify"
	"safereply/internal/repository"
	"safereply/pkg/db"
)

type fakeSource struct {
	typ        model.SourceType
	candidates []connector.Candidate
	err        error
	calls      int
}

func (f *fakeSource) Type() model.SourceType        { return f.typ }
func (f *fakeSource) Accepts(user *model.User) bool { return true }
func (f *fakeSource) Fetch(ctx context.Context, user *model.User, maxResults int) ([]connector.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

type fakeClassifier struct {
	result *ai.TriageResult
	err    error
	calls  int
	inputs []ai.ClassifyInput
}

func (f *fakeClassifier) Classify(ctx context.Context, in ai.ClassifyInput) (*ai.TriageResult, error) {
	f.calls++
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

type fakeDrafter struct {
	text   string
	err    error
	calls  int
	inputs []ai.DraftInput
}

func (f *fakeDrafter) Draft(ctx context.Context, in ai.DraftInput) (string, error) {
	f.calls++
	f.inputs = append(f.inputs, in)
	return f.text, f.err
}

type fakeChannel struct {
	cards   []*notify.Card
	audible []bool
	err     error
}

func (f *fakeChannel) SendCard(ctx context.Context, to string, card *notify.Card, audible bool) error {
	if f.err != nil {
		return f.err
	}
	f.cards = append(f.cards, card)
	f.audible = append(f.audible, audible)
	return nil
}

func (f *fakeChannel) SendText(ctx context.Context, to, text string) error { return nil }

type harness struct {
	orch       *Orchestrator
	stores     repository.Stores
	mr         *miniredis.Miniredis
	classifier *fakeClassifier
	drafter    *fakeDrafter
	channel    *fakeChannel
	user       *model.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	conn, err := db.NewSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repository.MigrateSQLite(ctx, conn))
	stores := repository.NewSQLiteStores(conn)
	t.Cleanup(stores.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	user, err := stores.Users.GetOrCreateByChannelID(ctx, "ou_owner", "Owner", "owner@example.com")
	require.NoError(t, err)

	h := &harness{
		stores:     stores,
		mr:         mr,
		classifier: &fakeClassifier{result: &ai.TriageResult{Type: model.TriageNormal, Confidence: 0.8, Reason: "fyi", PriorityScore: 40}},
		drafter:    &fakeDrafter{text: "承知しました。"},
		channel:    &fakeChannel{},
		user:       user,
	}
	cfg := config.PipelineConfig{}
	dispatcher := notify.NewDispatcher(h.channel, nil, stores.Messages, cfg, zap.NewNop())
	h.orch = NewOrchestrator(
		stores.Messages,
		stores.Users,
		blocklist.NewFilter(stores.Blocklist),
		dedup.NewRedisLedger(rdb, 30*24*time.Hour, zap.NewNop()),
		h.classifier,
		h.drafter,
		dispatcher,
		cfg,
		zap.NewNop(),
	)
	return h
}

func mailCandidate(id, sender, subject string) connector.Candidate {
	return connector.Candidate{
		ID:         id,
		ThreadID:   "t-" + id,
		Sender:     sender,
		Subject:    subject,
		Body:       "本文です",
		ReceivedAt: time.UnixMilli(1700000000000),
		Metadata:   map[string]string{},
	}
}

func (h *harness) find(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := h.stores.Messages.FindBySource(context.Background(), h.user.ID, model.SourceMail, id)
	require.NoError(t, err)
	return m
}

func TestIngestOnce_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "Alice <alice@example.com>", "hello"),
		mailCandidate("m2", "bob@example.com", "report"),
	}}

	res, err := h.orch.IngestOnce(ctx, src, h.user, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.New)
	assert.Empty(t, res.Errors)
	assert.Len(t, h.channel.cards, 2)
	assert.Equal(t, 2, h.classifier.calls)

	res, err = h.orch.IngestOnce(ctx, src, h.user, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.New)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, h.channel.cards, 2)
	assert.Equal(t, 2, h.classifier.calls)
}

func TestIngestOnce_BackstopAfterCacheLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "alice@example.com", "hello"),
	}}

	_, err := h.orch.IngestOnce(ctx, src, h.user, 10)
	require.NoError(t, err)
	h.mr.FlushAll()

	res, err := h.orch.IngestOnce(ctx, src, h.user, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.New)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.channel.cards, 1)

	// 冲突后重新写回缓存
	ok, err := h.mr.IsMember(dedup.Key(h.user.ID, model.SourceMail), "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngestOnce_ClassifierFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.classifier.err = errors.New("upstream 500")
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "alice@example.com", "hello"),
	}}

	res, err := h.orch.IngestOnce(context.Background(), src, h.user, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	m := h.find(t, "m1")
	assert.Equal(t, model.TriageNormal, m.TriageType)
	assert.Equal(t, 0.0, m.Confidence)
	assert.True(t, strings.HasPrefix(m.TriageReason, "Error: "))
	assert.Equal(t, model.StatusNotified, m.Status)
}

func TestIngestOnce_LowNeverNotified(t *testing.T) {
	h := newHarness(t)
	h.classifier.result = &ai.TriageResult{Type: model.TriageLow, Confidence: 0.9, Reason: "newsletter", PriorityScore: 5}
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "news@example.com", "weekly"),
	}}

	_, err := h.orch.IngestOnce(context.Background(), src, h.user, 10)
	require.NoError(t, err)

	m := h.find(t, "m1")
	assert.Equal(t, model.TriageLow, m.TriageType)
	assert.Equal(t, model.StatusPending, m.Status)
	assert.Nil(t, m.NotifiedAt)
	assert.False(t, m.HasDraft())
	assert.Equal(t, 0, h.drafter.calls)
	assert.Empty(t, h.channel.cards)
}

func TestIngestOnce_BlocklistSuppression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.stores.Blocklist.Add(ctx, h.user.ID, "*@spam.example"))
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "Promo <deals@spam.example>", "sale"),
	}}

	res, err := h.orch.IngestOnce(ctx, src, h.user, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, h.classifier.calls)
	assert.Empty(t, h.channel.cards)

	_, err = h.stores.Messages.FindBySource(ctx, h.user.ID, model.SourceMail, "m1")
	assert.Error(t, err)
	ok, err := h.mr.IsMember(dedup.Key(h.user.ID, model.SourceMail), "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngestOnce_DraftFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.drafter.err = errors.New("timeout")
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "alice@example.com", "hello"),
	}}

	res, err := h.orch.IngestOnce(context.Background(), src, h.user, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	m := h.find(t, "m1")
	assert.False(t, m.HasDraft())
	assert.Equal(t, model.StatusNotified, m.Status)
}

func TestIngestOnce_DispatchFailureStillMarksSeen(t *testing.T) {
	h := newHarness(t)
	h.channel.err = errors.New("channel down")
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "alice@example.com", "hello"),
		mailCandidate("m2", "bob@example.com", "hi"),
	}}

	res, err := h.orch.IngestOnce(context.Background(), src, h.user, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, model.StatusPending, h.find(t, "m1").Status)

	ok, err := h.mr.IsMember(dedup.Key(h.user.ID, model.SourceMail), "m2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngestOnce_FetchErrorIsReported(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{typ: model.SourceMail, err: errors.New("quota")}

	res, err := h.orch.IngestOnce(context.Background(), src, h.user, 10)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "quota")
}

func TestIngestOnce_AllActiveUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.stores.Users.GetOrCreateByChannelID(ctx, "ou_second", "Second", "")
	require.NoError(t, err)
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "alice@example.com", "hello"),
	}}

	res, err := h.orch.IngestOnce(ctx, src, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.Len(t, res.Users, 2)
	assert.Equal(t, 2, res.New)
}

func TestIngestOnce_UrgentScenario(t *testing.T) {
	h := newHarness(t)
	h.classifier.result = &ai.TriageResult{Type: model.TriageUrgent, Confidence: 0.95, Reason: "deadline", PriorityScore: 90}
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "Boss <boss@example.com>", "Urgent: deadline today"),
	}}

	_, err := h.orch.IngestOnce(context.Background(), src, h.user, 10)
	require.NoError(t, err)

	require.Len(t, h.channel.cards, 1)
	assert.True(t, h.channel.audible[0])
	assert.Equal(t, "【要返信】", h.channel.cards[0].Title)

	m := h.find(t, "m1")
	assert.Equal(t, 90, m.PriorityScore)
	assert.Equal(t, "承知しました。", m.Draft())
	var labels []string
	for _, b := range h.channel.cards[0].Buttons {
		labels = append(labels, b.Label)
	}
	assert.Equal(t, []string{"送信", "修正", "断る", "🚫ブロック"}, labels)
}

func TestIngestForwarded(t *testing.T) {
	h := newHarness(t)
	h.orch.now = func() time.Time { return time.UnixMilli(1700000000123) }

	m, err := h.orch.IngestForwarded(context.Background(), h.user, "  明日の会議資料を送ってください  ")
	require.NoError(t, err)
	assert.Regexp(t, `^forward_1700000000123_[0-9a-f]{8}$`, m.SourceMessageID)
	assert.Equal(t, ForwardedSender, m.SenderIdentifier)
	assert.Equal(t, "ou_owner", m.Metadata[model.MetaForwardedFrom])
	assert.Equal(t, "明日の会議資料を送ってください", m.BodyPlain)
	assert.Equal(t, model.StatusNotified, m.Status)

	_, err = h.orch.IngestForwarded(context.Background(), h.user, "   ")
	assert.Error(t, err)
}

func TestResume_ContinuesFromPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.channel.err = errors.New("channel down")
	src := &fakeSource{typ: model.SourceMail, candidates: []connector.Candidate{
		mailCandidate("m1", "alice@example.com", "hello"),
	}}
	_, err := h.orch.IngestOnce(ctx, src, h.user, 10)
	require.NoError(t, err)
	m := h.find(t, "m1")
	require.Equal(t, model.StatusPending, m.Status)

	h.channel.err = nil
	require.NoError(t, h.orch.Resume(ctx, m.ID))
	assert.Equal(t, 1, h.classifier.calls)
	assert.Equal(t, 1, h.drafter.calls)
	assert.Equal(t, model.StatusNotified, h.find(t, "m1").Status)

	// 已通知的消息不会再次投递
	require.NoError(t, h.orch.Resume(ctx, m.ID))
	assert.Len(t, h.channel.cards, 1)
}

func TestResume_KeepsAttachmentText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := &model.Message{
		UserID:           h.user.ID,
		SourceType:       model.SourceMail,
		SourceMessageID:  "m-att",
		SenderIdentifier: "vendor@example.com",
		Subject:          "請求書",
		BodyPlain:        "添付をご確認ください。",
		ExtractedContent: "添付をご確認ください。\n\n請求金額 120,000円 支払期限 10/31",
		Status:           model.StatusPending,
		ReceivedAt:       time.UnixMilli(1700000000000),
	}
	require.NoError(t, h.stores.Messages.Insert(ctx, m))

	require.NoError(t, h.orch.Resume(ctx, m.ID))
	require.Len(t, h.classifier.inputs, 1)
	assert.Equal(t, "添付をご確認ください。", h.classifier.inputs[0].Body)
	assert.Equal(t, "請求金額 120,000円 支払期限 10/31", h.classifier.inputs[0].AttachmentsText)
	require.Len(t, h.drafter.inputs, 1)
	assert.Equal(t, "請求金額 120,000円 支払期限 10/31", h.drafter.inputs[0].AttachmentsText)
	assert.Equal(t, model.StatusNotified, h.find(t, "m-att").Status)
}
