package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/STRATINT/postlink/internal/auth"
	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/dispatch"
	"github.com/STRATINT/postlink/internal/email"
	"github.com/STRATINT/postlink/internal/linking"
	"github.com/STRATINT/postlink/internal/media"
	"github.com/STRATINT/postlink/internal/metrics"
	"github.com/STRATINT/postlink/internal/models"
	"github.com/STRATINT/postlink/internal/scheduler"
	"github.com/STRATINT/postlink/internal/social"
)

var authCfg = config.AuthConfig{JWTSecret: "router-test", TokenDuration: time.Hour}

type fakeLinking struct {
	conn       *models.Connection
	completeFn func(state, code string) (*models.Connection, error)
	verifyErr  error
	toggleErr  error
	lookupErr  error
	lastEmail  string
	lastClaim  [2]string
	resendErr  error
	toggled    *bool
}

func (f *fakeLinking) BeginLink(_ context.Context, userID string) (*linking.LinkStart, error) {
	return &linking.LinkStart{StateToken: "st-" + userID, AuthorizationURL: "https://x.test/authorize"}, nil
}

func (f *fakeLinking) BeginPublicLink(context.Context) (*linking.LinkStart, error) {
	return &linking.LinkStart{StateToken: "pub-1", ClaimToken: "claim-1"}, nil
}

func (f *fakeLinking) CompleteLink(_ context.Context, state, code string) (*models.Connection, error) {
	return f.completeFn(state, code)
}

func (f *fakeLinking) ClaimPublicConnection(_ context.Context, claimToken, userID string) (int64, error) {
	f.lastClaim = [2]string{claimToken, userID}
	if claimToken != "claim-1" {
		return 0, linking.ErrNotConnected
	}
	return 1, nil
}

func (f *fakeLinking) ActiveConnection(_ context.Context, userID string) (*models.Connection, error) {
	if f.conn == nil || f.conn.UserID != userID {
		return nil, linking.ErrNotConnected
	}
	return f.conn, nil
}

func (f *fakeLinking) RequestEmailCode(_ context.Context, _ *models.Connection, addr string) (time.Time, error) {
	if !strings.Contains(addr, "@") {
		return time.Time{}, linking.ErrInvalidEmail
	}
	f.lastEmail = addr
	return time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC), nil
}

func (f *fakeLinking) ResendEmailCode(context.Context, *models.Connection) (time.Time, error) {
	if f.resendErr != nil {
		return time.Time{}, f.resendErr
	}
	return time.Time{}, &linking.DeliveryError{Err: errors.New("smtp down")}
}

func (f *fakeLinking) VerifyEmailCode(context.Context, *models.Connection, string) error {
	return f.verifyErr
}

func (f *fakeLinking) RequestChallengeCode(context.Context, *models.Connection) (string, time.Time, error) {
	return "POSTLINK-ABC234", time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC), nil
}

func (f *fakeLinking) VerifyChallengeCode(context.Context, *models.Connection, string) error {
	return f.verifyErr
}

func (f *fakeLinking) ToggleAutoDispatch(_ context.Context, _ *models.Connection, enable bool) error {
	if f.toggleErr != nil {
		return f.toggleErr
	}
	f.toggled = &enable
	return nil
}

func (f *fakeLinking) GetConnectionStatus(_ context.Context, userID string) (*models.ConnectionStatus, error) {
	if f.conn == nil || f.conn.UserID != userID {
		return &models.ConnectionStatus{VerificationState: models.VerificationUnverified}, nil
	}
	return &models.ConnectionStatus{Connected: true, Handle: f.conn.Handle}, nil
}

func (f *fakeLinking) Disconnect(context.Context, string) error { return nil }

func (f *fakeLinking) LookupHandle(_ context.Context, handle string) (*models.ExternalIdentity, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return &models.ExternalIdentity{ID: "42", Handle: handle}, nil
}

type fakePosts struct {
	posts map[string]*models.Post
}

func (f *fakePosts) CreatePost(_ context.Context, userID string, in dispatch.PostInput) (*models.Post, error) {
	p := &models.Post{ID: "p1", UserID: userID, Content: in.Content, Media: in.Media, Status: models.PostStatusDraft}
	if in.ScheduledFor != nil {
		if err := p.CheckDispatchable(); err != nil {
			return nil, err
		}
		p.Status = models.PostStatusScheduled
	}
	f.posts[p.ID] = p
	return p, nil
}

func (f *fakePosts) SchedulePost(_ context.Context, userID, id string, at time.Time) (*models.Post, error) {
	p, ok := f.posts[id]
	if !ok || p.UserID != userID {
		return nil, database.ErrPostNotFound
	}
	if p.Status.Terminal() {
		return nil, dispatch.ErrNotSchedulable
	}
	p.Status = models.PostStatusScheduled
	p.ScheduledFor = &at
	return p, nil
}

func (f *fakePosts) GetPost(_ context.Context, userID, id string) (*models.Post, error) {
	p, ok := f.posts[id]
	if !ok || p.UserID != userID {
		return nil, database.ErrPostNotFound
	}
	return p, nil
}

func (f *fakePosts) ListPosts(_ context.Context, userID string, statuses []models.PostStatus, _ int) ([]models.Post, error) {
	for _, s := range statuses {
		if s == "bogus" {
			return nil, fmt.Errorf("%w %q", dispatch.ErrInvalidStatus, s)
		}
	}
	var out []models.Post
	for _, p := range f.posts {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeTrigger struct{ err error }

func (f fakeTrigger) TriggerNow(context.Context) (dispatch.Summary, error) {
	return dispatch.Summary{RunID: "run-1", Claimed: 2, Posted: 2}, f.err
}

type memMedia struct{ objects map[string]media.Object }

func (m *memMedia) Get(_ context.Context, key string) (*media.Object, error) {
	obj, ok := m.objects[key]
	if !ok {
		return nil, media.ErrNotFound
	}
	return &obj, nil
}

func (m *memMedia) Put(_ context.Context, key string, obj media.Object) error {
	m.objects[key] = obj
	return nil
}

type harness struct {
	handler http.Handler
	linking *fakeLinking
	posts   *fakePosts
	media   *memMedia
}

func newHarness(t *testing.T, trigger DispatchTrigger) *harness {
	t.Helper()
	collector, err := metrics.NewCollector()
	require.NoError(t, err)

	h := &harness{
		linking: &fakeLinking{conn: &models.Connection{ID: "c1", UserID: "alice", Handle: "alice_x"}},
		posts:   &fakePosts{posts: map[string]*models.Post{}},
		media:   &memMedia{objects: map[string]media.Object{}},
	}
	h.handler = NewRouter(Deps{
		Linking:  h.linking,
		Posts:    h.posts,
		Media:    h.media,
		Dispatch: trigger,
		Metrics:  collector,
		Health:   func(context.Context) error { return nil },
	}, config.ServerConfig{AllowedOrigins: []string{"*"}}, authCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := auth.GenerateToken(authCfg, user, user == "admin")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/api/x/status", "/api/posts"} {
		rec := h.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestBeginLinkRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/x/link", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	start := decode[linking.LinkStart](t, rec)
	assert.Equal(t, "st-alice", start.StateToken)

	rec = h.do(t, http.MethodPost, "/api/public/x/link", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pub := decode[linking.LinkStart](t, rec)
	assert.Equal(t, "pub-1", pub.StateToken)
	assert.Equal(t, "claim-1", pub.ClaimToken)
}

func TestClaimRoute(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/x/claim", "", map[string]string{"claim_token": "claim-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/x/claim", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// the old client-chosen session field is no longer accepted
	rec = h.do(t, http.MethodPost, "/api/x/claim", "alice", map[string]string{"session_id": "7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/x/claim", "alice", map[string]string{"claim_token": "claim-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["claimed"])
	assert.Equal(t, [2]string{"claim-1", "alice"}, h.linking.lastClaim)

	rec = h.do(t, http.MethodPost, "/api/x/claim", "alice", map[string]string{"claim_token": "other"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallback(t *testing.T) {
	h := newHarness(t, nil)
	used := false
	h.linking.completeFn = func(state, code string) (*models.Connection, error) {
		if used || state != "good" {
			return nil, linking.ErrInvalidState
		}
		used = true
		return &models.Connection{
			ID:          "c9",
			UserID:      "alice",
			Handle:      "alice_x",
			Credentials: &models.Credentials{AccessToken: "secret-token"},
		}, nil
	}

	rec := h.do(t, http.MethodGet, "/api/x/callback?state=good&code=abc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	rec = h.do(t, http.MethodGet, "/api/x/callback?state=good&code=abc", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/x/callback?error=access_denied&state=good", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.linking.completeFn = func(string, string) (*models.Connection, error) {
		return nil, &linking.UpstreamAuthError{Err: errors.New("token endpoint timeout")}
	}
	rec = h.do(t, http.MethodGet, "/api/x/callback?state=s&code=c", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestVerificationRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/x/verify/email", "alice", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "alice@example.com", h.linking.lastEmail)

	rec = h.do(t, http.MethodPost, "/api/x/verify/email", "alice", map[string]string{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/x/verify/email", "bob", map[string]string{"email": "bob@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/x/verify/email/resend", "alice", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	h.linking.resendErr = &linking.DeliveryError{Err: email.ErrNotConfigured}
	rec = h.do(t, http.MethodPost, "/api/x/verify/email/resend", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/x/verify/challenge", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "POSTLINK-ABC234", decode[codeIssuedResponse](t, rec).Code)

	cases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{linking.ErrExpiredCode, http.StatusGone},
		{linking.ErrInvalidCode, http.StatusBadRequest},
		{linking.ErrNoPendingCode, http.StatusNotFound},
		{linking.ErrTooManyAttempts, http.StatusTooManyRequests},
		{linking.ErrChallengeNotPosted, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		h.linking.verifyErr = tc.err
		rec = h.do(t, http.MethodPost, "/api/x/verify/challenge/confirm", "alice", map[string]string{"code": "POSTLINK-ABC234"})
		assert.Equal(t, tc.status, rec.Code, "error %v", tc.err)
	}
}

func TestAutoDispatchRoute(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPut, "/api/x/auto-dispatch", "alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/x/auto-dispatch", "alice", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.linking.toggled)
	assert.False(t, *h.linking.toggled)

	h.linking.toggleErr = linking.ErrNotVerified
	rec = h.do(t, http.MethodPut, "/api/x/auto-dispatch", "alice", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestLookupRoute(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/x/lookup/jack", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jack", decode[models.ExternalIdentity](t, rec).Handle)

	h.linking.lookupErr = linking.ErrHandleNotFound
	rec = h.do(t, http.MethodGet, "/api/x/lookup/ghost", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.linking.lookupErr = &social.PlatformError{Kind: social.KindRateLimited, Op: "lookup", RetryAfter: 30 * time.Second}
	rec = h.do(t, http.MethodGet, "/api/x/lookup/jack", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	h.linking.lookupErr = linking.ErrConfiguration
	rec = h.do(t, http.MethodGet, "/api/x/lookup/jack", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/posts", "alice", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	post := decode[models.Post](t, rec)
	assert.Equal(t, models.PostStatusDraft, post.Status)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec = h.do(t, http.MethodPost, "/api/posts/"+post.ID+"/schedule", "alice", map[string]any{"scheduled_for": at})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PostStatusScheduled, decode[models.Post](t, rec).Status)

	rec = h.do(t, http.MethodGet, "/api/posts/"+post.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/posts?status=scheduled", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[PostsResponse](t, rec).Count)

	rec = h.do(t, http.MethodGet, "/api/posts?status=bogus", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/posts?limit=x", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.posts.posts[post.ID].Status = models.PostStatusPosted
	rec = h.do(t, http.MethodPost, "/api/posts/"+post.ID+"/schedule", "alice", map[string]any{"scheduled_for": at})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateScheduledPostPolicyError(t *testing.T) {
	h := newHarness(t, nil)

	body := map[string]any{
		"content":       "mixed",
		"scheduled_for": time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		"media": []models.MediaRef{
			{Kind: models.MediaKindVideo, Key: "a/v.mp4"},
			{Kind: models.MediaKindImage, Key: "a/i.png"},
		},
	}
	rec := h.do(t, http.MethodPost, "/api/posts", "alice", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.FailureMediaPolicy), decode[ErrorResponse](t, rec).Reason)
}

func TestUploadMedia(t *testing.T) {
	h := newHarness(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "Photo.PNG")
	require.NoError(t, err)
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.NoError(t, mw.Close())

	token, err := auth.GenerateToken(authCfg, "alice", false)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decode[models.MediaRef](t, rec)
	assert.Equal(t, models.MediaKindImage, ref.Kind)
	assert.True(t, strings.HasPrefix(ref.Key, "alice/"))
	assert.True(t, strings.HasSuffix(ref.Key, ".png"))
	_, stored := h.media.objects[ref.Key]
	assert.True(t, stored)
}

func TestAdminDispatchRun(t *testing.T) {
	h := newHarness(t, fakeTrigger{})

	rec := h.do(t, http.MethodPost, "/api/admin/dispatch/run", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/admin/dispatch/run", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[dispatch.Summary](t, rec).Posted)

	busy := newHarness(t, fakeTrigger{err: scheduler.ErrRunInProgress})
	rec = busy.do(t, http.MethodPost, "/api/admin/dispatch/run", "admin", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	disabled := newHarness(t, nil)
	rec = disabled.do(t, http.MethodPost, "/api/admin/dispatch/run", "admin", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.do(t, http.MethodGet, "/api/posts/p-404", "alice", nil)
	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/api/posts/{id}"`)
}
