package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/blocklist"
	"safereply/internal/connector"
	"safereply/internal/ingest"
	"safereply/internal/model"
	"safereply/internal/repository"
	"safereply/pkg/auth"
	"safereply/pkg/config"
	"safereply/pkg/db"
)

const (
	testSecret = "test-secret"
	testIssuer = "safereply"
	larkToken  = "lark-verify"
)

type fakeIngester struct {
	user *model.User
	max  int
}

func (f *fakeIngester) IngestOnce(ctx context.Context, src connector.Source, user *model.User, maxResults int) (*ingest.Result, error) {
	f.user, f.max = user, maxResults
	return &ingest.Result{Source: src.Type(), Fetched: 3, New: 2, Skipped: 1, Errors: []string{}}, nil
}

type stubSource struct{ typ model.SourceType }

func (s stubSource) Type() model.SourceType   { return s.typ }
func (s stubSource) Accepts(*model.User) bool { return true }
func (s stubSource) Fetch(context.Context, *model.User, int) ([]connector.Candidate, error) {
	return nil, nil
}

type actionCall struct{ openID, value string }

type fakeActions struct{ calls chan actionCall }

func (f *fakeActions) HandleAction(ctx context.Context, openID, actionString string) error {
	f.calls <- actionCall{openID, actionString}
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeAlerter struct{ errs []error }

func (a *fakeAlerter) NotifyDatabaseError(ctx context.Context, err error) bool {
	a.errs = append(a.errs, err)
	return true
}

type testServer struct {
	router   *Router
	ingester *fakeIngester
	actions  *fakeActions
	alerter  *fakeAlerter
	stores   repository.Stores
	user     *model.User
}

func newTestServer(t *testing.T, dbErr error) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	conn, err := db.NewSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repository.MigrateSQLite(ctx, conn))
	stores := repository.NewSQLiteStores(conn)
	t.Cleanup(stores.Close)
	user, err := stores.Users.GetOrCreateByChannelID(ctx, "ou_owner", "Owner", "")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ts := &testServer{
		ingester: &fakeIngester{},
		actions:  &fakeActions{calls: make(chan actionCall, 1)},
		alerter:  &fakeAlerter{},
		stores:   stores,
		user:     user,
	}
	ts.router = NewRouter(Deps{
		Ingester:   ts.ingester,
		Sources:    map[model.SourceType]connector.Source{model.SourceMail: stubSource{model.SourceMail}},
		Actions:    ts.actions,
		Blocklist:  blocklist.NewFilter(stores.Blocklist),
		Users:      stores.Users,
		DB:         fakePinger{err: dbErr},
		Redis:      rdb,
		Alerter:    ts.alerter,
		MaxResults: 20,
		LarkToken:  larkToken,
		JWT:        config.JWTConfig{Secret: testSecret, Issuer: testIssuer},
	}, zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := auth.GenerateServiceToken("scheduler", testIssuer, testSecret, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", false).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", "", false).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/poll/mail", "", false).Code)

	w := ts.do(t, http.MethodGet, "/health/deep", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestDeepHealth_DatabaseDownAlerts(t *testing.T) {
	ts := newTestServer(t, errors.New("connection refused"))

	w := ts.do(t, http.MethodGet, "/health/deep", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"error"`)
	assert.Len(t, ts.alerter.errs, 1)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/readyz", "", false).Code)
}

func TestPoll(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/poll/mail?user_id="+ts.user.ID+"&max_results=5", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var res ingest.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 5, ts.ingester.max)
	require.NotNil(t, ts.ingester.user)
	assert.Equal(t, ts.user.ID, ts.ingester.user.ID)

	w = ts.do(t, http.MethodPost, "/poll/mail", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, ts.ingester.user)
	assert.Equal(t, 20, ts.ingester.max)

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/poll/chat", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/poll/sms", "", true).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/poll/mail?user_id=missing", "", true).Code)
}

func TestCardAction(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/lark/card", `{"type":"url_verification","challenge":"abc","token":"lark-verify"}`, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"challenge":"abc"}`, w.Body.String())

	body := `{"schema":"2.0","header":{"token":"lark-verify","event_type":"card.action.trigger"},
		"event":{"operator":{"open_id":"ou_owner"},"action":{"value":{"data":"action=send&message_id=m1"}}}}`
	w = ts.do(t, http.MethodPost, "/lark/card", body, false)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case call := <-ts.actions.calls:
		assert.Equal(t, actionCall{"ou_owner", "action=send&message_id=m1"}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("action not dispatched")
	}

	w = ts.do(t, http.MethodPost, "/lark/card", `{"token":"wrong","open_id":"ou_owner","action":{"value":{"data":"x"}}}`, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBlocklistAPI(t *testing.T) {
	ts := newTestServer(t, nil)
	base := "/api/users/" + ts.user.ID + "/blocklist"

	w := ts.do(t, http.MethodPost, base, `{"sender":"Promo <Deals@Shop.example>"}`, true)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"entry":"deals@shop.example"`)

	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, base, `{"sender":"*@spam.example"}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, base, `{}`, true).Code)

	w = ts.do(t, http.MethodGet, base, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Entries []string `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.ElementsMatch(t, []string{"deals@shop.example", "*@spam.example"}, got.Entries)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, base+"?sender=deals@shop.example", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodDelete, base, "", true).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/users/missing/blocklist", "", true).Code)
}

func TestReplayDisabledWithoutOutbox(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/admin/outbox/replay?id=1", "", true).Code)
}
