package linking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/email"
	"github.com/STRATINT/postlink/internal/linkstate"
	"github.com/STRATINT/postlink/internal/models"
	"github.com/STRATINT/postlink/internal/social"
)

type memConnections struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
}

func newMemConnections() *memConnections {
	return &memConnections{conns: make(map[string]*models.Connection)}
}

func (m *memConnections) Upsert(_ context.Context, conn *models.Connection) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.UserID == conn.UserID && c.ExternalID == conn.ExternalID {
			c.Handle = conn.Handle
			c.DisplayName = conn.DisplayName
			c.Credentials = conn.Credentials
			c.Verification = models.Unverified()
			c.AutoDispatchEnabled = false
			c.DisconnectedAt = nil
			cp := *c
			return &cp, nil
		}
	}
	stored := *conn
	stored.ID = uuid.NewString()
	stored.Verification = models.Unverified()
	m.conns[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (m *memConnections) GetActiveByUser(_ context.Context, userID string) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.UserID == userID && c.DisconnectedAt == nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, database.ErrConnectionNotFound
}

func (m *memConnections) UpdateVerification(_ context.Context, id string, v models.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return database.ErrConnectionNotFound
	}
	c.Verification = v
	c.AutoDispatchEnabled = c.AutoDispatchEnabled && v.IsVerified()
	return nil
}

func (m *memConnections) SetAutoDispatch(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok || (enabled && !c.Verification.IsVerified()) {
		return database.ErrConditionFailed
	}
	c.AutoDispatchEnabled = enabled
	return nil
}

func (m *memConnections) DisconnectUser(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.conns {
		if c.UserID == userID && c.DisconnectedAt == nil {
			c.Reset(at)
			n++
		}
	}
	return n, nil
}

func (m *memConnections) Reassign(_ context.Context, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !models.IsPublicSubject(from) {
		return 0, nil
	}
	var n int64
	for _, c := range m.conns {
		if c.UserID == from {
			c.UserID = to
			n++
		}
	}
	return n, nil
}

func (m *memConnections) get(id string) models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.conns[id]
}

type fakePlatform struct {
	mu          sync.Mutex
	configured  bool
	identity    models.ExternalIdentity
	exchangeErr error
	exchanges   int
	verifiers   []string
	posts       []social.PlatformPost
	lookupErr   error
}

func (f *fakePlatform) AuthorizationURL(state, challenge string) (string, error) {
	if !f.configured {
		return "", social.ErrNotConfigured
	}
	return "https://x.example/authorize?state=" + url.QueryEscape(state) + "&code_challenge=" + url.QueryEscape(challenge), nil
}

func (f *fakePlatform) ExchangeCode(_ context.Context, code, verifier string) (*social.LinkGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	f.verifiers = append(f.verifiers, verifier)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &social.LinkGrant{
		Credentials: models.Credentials{AccessToken: "access-" + code, RefreshToken: "refresh"},
		Identity:    f.identity,
	}, nil
}

func (f *fakePlatform) LookupByHandle(_ context.Context, handle string) (*models.ExternalIdentity, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	id := f.identity
	return &id, nil
}

func (f *fakePlatform) RecentPosts(context.Context, string, int) ([]social.PlatformPost, error) {
	return f.posts, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg email.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "<id@test>", nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) Verification(method, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[method+"/"+result]++
}

type harness struct {
	svc      *Service
	conns    *memConnections
	states   linkstate.Store
	platform *fakePlatform
	mailer   *fakeMailer
	metrics  *countingRecorder
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		conns:    newMemConnections(),
		states:   linkstate.NewMemory("test:"),
		platform: &fakePlatform{configured: true, identity: models.ExternalIdentity{ID: "987", Handle: "alice", DisplayName: "Alice"}},
		mailer:   &fakeMailer{},
		metrics:  &countingRecorder{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { _ = h.states.Close() })

	h.svc = NewService(Deps{
		Connections: h.conns,
		States:      h.states,
		Platform:    h.platform,
		Mailer:      h.mailer,
		Metrics:     h.metrics,
	}, config.LinkingConfig{
		StateTTL:         time.Hour,
		EmailCodeTTL:     5 * time.Minute,
		ChallengeCodeTTL: time.Hour,
		ChallengePrefix:  "LINK",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) link(t *testing.T, userID string) *models.Connection {
	t.Helper()
	start, err := h.svc.BeginLink(context.Background(), userID)
	if err != nil {
		t.Fatalf("BeginLink: %v", err)
	}
	conn, err := h.svc.CompleteLink(context.Background(), start.StateToken, "code-xyz")
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	return conn
}

func (h *harness) pending(t *testing.T, conn *models.Connection, method models.VerificationMethod) models.PendingVerification {
	t.Helper()
	p, err := h.states.Code(context.Background(), conn.ID, method)
	if err != nil {
		t.Fatalf("no pending %s code: %v", method, err)
	}
	return p
}

func TestCompleteLinkCreatesUnverifiedConnection(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginLink(context.Background(), "42")
	if err != nil {
		t.Fatalf("BeginLink returned error: %v", err)
	}
	if start.StateToken == "" || !strings.Contains(start.AuthorizationURL, "code_challenge=") {
		t.Fatalf("unexpected link start: %+v", start)
	}

	conn, err := h.svc.CompleteLink(context.Background(), start.StateToken, "code-xyz")
	if err != nil {
		t.Fatalf("CompleteLink returned error: %v", err)
	}
	if conn.Handle != "alice" || conn.ExternalID != "987" || conn.UserID != "42" {
		t.Errorf("unexpected connection: %+v", conn)
	}
	if conn.Verification.State() != models.VerificationUnverified {
		t.Errorf("state = %s, want unverified", conn.Verification.State())
	}

	// the verifier sent to the exchange must hash to the challenge in the URL
	u, _ := url.Parse(start.AuthorizationURL)
	if got := social.Challenge(h.platform.verifiers[0]); got != u.Query().Get("code_challenge") {
		t.Errorf("verifier does not match challenge")
	}
}

func TestCompleteLinkStateIsSingleUse(t *testing.T) {
	h := newHarness(t)
	start, err := h.svc.BeginLink(context.Background(), "42")
	if err != nil {
		t.Fatalf("BeginLink: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CompleteLink(context.Background(), start.StateToken, "code-xyz")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrInvalidState):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful completion, got %d", ok)
	}
	if h.platform.exchanges != 1 {
		t.Fatalf("expected one code exchange, got %d", h.platform.exchanges)
	}
}

func TestCompleteLinkUnknownOrExpiredState(t *testing.T) {
	h := newHarness(t)

	if _, err := h.svc.CompleteLink(context.Background(), "nope", "code"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for unknown token, got %v", err)
	}

	start, _ := h.svc.BeginLink(context.Background(), "42")
	h.advance(2 * time.Hour)
	if _, err := h.svc.CompleteLink(context.Background(), start.StateToken, "code"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for stale state, got %v", err)
	}
}

func TestCompleteLinkWrapsExchangeFailure(t *testing.T) {
	h := newHarness(t)
	h.platform.exchangeErr = &social.PlatformError{Kind: social.KindRejected, Op: "exchange_code", StatusCode: 400}

	start, _ := h.svc.BeginLink(context.Background(), "42")
	_, err := h.svc.CompleteLink(context.Background(), start.StateToken, "bad")

	var upstream *UpstreamAuthError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamAuthError, got %v", err)
	}
	if !social.IsKind(err, social.KindRejected) {
		t.Errorf("platform error kind lost in wrapping")
	}
}

func TestBeginLinkWithoutConfiguration(t *testing.T) {
	h := newHarness(t)
	h.platform.configured = false

	if _, err := h.svc.BeginLink(context.Background(), "42"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestPublicLinkIsClaimedAfterSignup(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginPublicLink(context.Background())
	if err != nil {
		t.Fatalf("BeginPublicLink: %v", err)
	}
	if start.ClaimToken == "" {
		t.Fatalf("public link start carries no claim token")
	}
	conn, err := h.svc.CompleteLink(context.Background(), start.StateToken, "c")
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	if conn.UserID != models.PublicSubject(start.ClaimToken) {
		t.Fatalf("public connection owner = %q", conn.UserID)
	}

	n, err := h.svc.ClaimPublicConnection(context.Background(), start.ClaimToken, "user-7")
	if err != nil || n != 1 {
		t.Fatalf("ClaimPublicConnection = %d, %v", n, err)
	}
	if got := h.conns.get(conn.ID).UserID; got != "user-7" {
		t.Fatalf("connection owner = %q", got)
	}

	if _, err := h.svc.ClaimPublicConnection(context.Background(), start.ClaimToken, "user-7"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second claim: expected ErrNotConnected, got %v", err)
	}
}

func TestPublicLinkClaimTokensAreUnique(t *testing.T) {
	h := newHarness(t)

	a, err := h.svc.BeginPublicLink(context.Background())
	if err != nil {
		t.Fatalf("BeginPublicLink: %v", err)
	}
	b, err := h.svc.BeginPublicLink(context.Background())
	if err != nil {
		t.Fatalf("BeginPublicLink: %v", err)
	}
	if a.ClaimToken == b.ClaimToken || len(a.ClaimToken) < 32 {
		t.Fatalf("claim tokens %q and %q are not fresh random values", a.ClaimToken, b.ClaimToken)
	}
}

func TestClaimCannotTakeAUsersConnection(t *testing.T) {
	h := newHarness(t)
	victim := h.link(t, "42")

	// a user id used as the claim token matches nothing
	if _, err := h.svc.ClaimPublicConnection(context.Background(), "42", "999"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := h.conns.get(victim.ID).UserID; got != "42" {
		t.Fatalf("victim connection moved to %q", got)
	}
	if _, err := h.svc.ActiveConnection(context.Background(), "999"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("claimer gained a connection: %v", err)
	}

	// the public bucket cannot be targeted directly either
	if _, err := h.svc.ClaimPublicConnection(context.Background(), "x", models.PublicSubject("y")); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	if _, err := h.svc.BeginLink(context.Background(), models.PublicSubject("y")); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject from BeginLink, got %v", err)
	}
}

func TestPublicLinkNeverAttachesToAUser(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginPublicLink(context.Background())
	if err != nil {
		t.Fatalf("BeginPublicLink: %v", err)
	}
	conn, err := h.svc.CompleteLink(context.Background(), start.StateToken, "c")
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}

	for _, user := range []string{"7", "42", start.ClaimToken, conn.UserID} {
		if got, err := h.svc.ActiveConnection(context.Background(), user); !errors.Is(err, ErrNotConnected) {
			t.Errorf("ActiveConnection(%q) = %+v, %v; want ErrNotConnected", user, got, err)
		}
	}
}

func TestEmailCodeVerifiesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	expires, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	if !expires.Equal(h.clock.Add(5 * time.Minute)) {
		t.Errorf("expires = %v", expires)
	}
	if conn.Verification.State() != models.VerificationPendingEmail {
		t.Errorf("state = %s, want pending_email", conn.Verification.State())
	}

	code := h.pending(t, conn, models.VerificationMethodEmail).Code
	if len(code) != 6 {
		t.Fatalf("code %q is not 6 digits", code)
	}
	if len(h.mailer.sent) != 1 || !strings.Contains(h.mailer.sent[0].Text, code) || h.mailer.sent[0].To != "alice@example.com" {
		t.Fatalf("code not mailed: %+v", h.mailer.sent)
	}

	h.advance(4 * time.Minute)
	if err := h.svc.VerifyEmailCode(context.Background(), conn, code); err != nil {
		t.Fatalf("VerifyEmailCode: %v", err)
	}

	stored := h.conns.get(conn.ID)
	if !stored.Verification.IsVerified() || stored.Verification.Method() != models.VerificationMethodEmail {
		t.Fatalf("connection not verified by email: %+v", stored.Verification)
	}
	if at := stored.Verification.VerifiedAt(); at == nil || !at.Equal(h.clock) {
		t.Errorf("verified_at = %v, want %v", at, h.clock)
	}
	if _, err := h.states.Code(context.Background(), conn.ID, models.VerificationMethodEmail); !errors.Is(err, linkstate.ErrNotFound) {
		t.Errorf("code not cleared after verification")
	}
}

func TestEmailCodeExpires(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	code := h.pending(t, conn, models.VerificationMethodEmail).Code

	h.advance(6 * time.Minute)
	if err := h.svc.VerifyEmailCode(context.Background(), conn, code); !errors.Is(err, ErrExpiredCode) {
		t.Fatalf("expected ErrExpiredCode, got %v", err)
	}
	if h.conns.get(conn.ID).Verification.IsVerified() {
		t.Fatalf("expired code verified the connection")
	}
}

func TestEmailCodeWrongAndLockout(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")
	if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	code := h.pending(t, conn, models.VerificationMethodEmail).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < MaxCodeAttempts; i++ {
		if err := h.svc.VerifyEmailCode(context.Background(), conn, wrong); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
	}
	if err := h.svc.VerifyEmailCode(context.Background(), conn, code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestRequestingAgainVoidsTheEarlierEmailCode(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	first := h.pending(t, conn, models.VerificationMethodEmail).Code

	second := first
	for i := 0; second == first && i < 5; i++ {
		if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
			t.Fatalf("RequestEmailCode again: %v", err)
		}
		second = h.pending(t, conn, models.VerificationMethodEmail).Code
	}
	if second == first {
		t.Fatalf("re-request kept code %q", first)
	}
	if !strings.Contains(h.mailer.sent[len(h.mailer.sent)-1].Text, second) {
		t.Fatalf("latest mail does not carry the new code")
	}

	if err := h.svc.VerifyEmailCode(context.Background(), conn, first); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("earlier code: expected ErrInvalidCode, got %v", err)
	}
	if err := h.svc.VerifyEmailCode(context.Background(), conn, second); err != nil {
		t.Fatalf("new code: %v", err)
	}
	if !h.conns.get(conn.ID).Verification.IsVerified() {
		t.Fatalf("connection not verified by the new code")
	}
}

// replacingStore saves a fresh code right after the service reads the
// pending one, as a concurrent RequestEmailCode would.
type replacingStore struct {
	linkstate.Store
	mu   sync.Mutex
	next string
}

func (r *replacingStore) Code(ctx context.Context, connectionID string, method models.VerificationMethod) (models.PendingVerification, error) {
	p, err := r.Store.Code(ctx, connectionID, method)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && r.next != "" {
		fresh := p
		fresh.Code, fresh.Attempts = r.next, 0
		r.next = ""
		if err := r.Store.SaveCode(ctx, fresh); err != nil {
			return p, err
		}
	}
	return p, err
}

func TestWrongGuessDoesNotRestoreAReplacedCode(t *testing.T) {
	h := newHarness(t)
	store := &replacingStore{Store: h.states}
	h.svc.states = store
	conn := h.link(t, "42")

	if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	old := h.pending(t, conn, models.VerificationMethodEmail).Code
	fresh, wrong := "135790", "000000"
	if old == fresh {
		fresh = "246801"
	}
	if old == wrong {
		wrong = "111111"
	}

	store.mu.Lock()
	store.next = fresh
	store.mu.Unlock()
	if err := h.svc.VerifyEmailCode(context.Background(), conn, wrong); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("wrong guess: expected ErrInvalidCode, got %v", err)
	}

	stored := h.pending(t, conn, models.VerificationMethodEmail)
	if stored.Code != fresh || stored.Attempts != 0 {
		t.Fatalf("stored code = %q with %d attempts, want %q untouched", stored.Code, stored.Attempts, fresh)
	}
	if err := h.svc.VerifyEmailCode(context.Background(), conn, old); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("replaced code: expected ErrInvalidCode, got %v", err)
	}
	if err := h.svc.VerifyEmailCode(context.Background(), conn, fresh); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

func TestVerifyWithoutRequest(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	if err := h.svc.VerifyEmailCode(context.Background(), conn, "123456"); !errors.Is(err, ErrNoPendingCode) {
		t.Fatalf("expected ErrNoPendingCode, got %v", err)
	}
}

func TestRequestEmailCodeRejectsBadAddress(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	for _, addr := range []string{"", "not-an-email", "a@"} {
		if _, err := h.svc.RequestEmailCode(context.Background(), conn, addr); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("%q: expected ErrInvalidEmail, got %v", addr, err)
		}
	}
	if len(h.mailer.sent) != 0 {
		t.Fatalf("mail sent for invalid address")
	}
}

func TestDeliveryFailureKeepsCode(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")
	h.mailer.err = errors.New("smtp down")

	_, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com")
	var delivery *DeliveryError
	if !errors.As(err, &delivery) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	code := h.pending(t, conn, models.VerificationMethodEmail).Code

	h.mailer.err = nil
	if _, err := h.svc.ResendEmailCode(context.Background(), conn); err != nil {
		t.Fatalf("ResendEmailCode: %v", err)
	}
	if len(h.mailer.sent) != 1 || !strings.Contains(h.mailer.sent[0].Text, code) {
		t.Fatalf("resend did not carry the original code")
	}
}

func TestUnconfiguredMailIsADeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.svc.mailer = email.New(config.EmailConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := h.link(t, "42")

	_, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com")
	var delivery *DeliveryError
	if !errors.As(err, &delivery) || !errors.Is(err, email.ErrNotConfigured) {
		t.Fatalf("expected DeliveryError wrapping ErrNotConfigured, got %v", err)
	}
	if _, err := h.svc.ResendEmailCode(context.Background(), conn); !errors.Is(err, email.ErrNotConfigured) {
		t.Fatalf("resend: expected ErrNotConfigured, got %v", err)
	}
	if h.metrics.counts["email/delivery_failed"] != 2 {
		t.Errorf("delivery failures recorded = %d", h.metrics.counts["email/delivery_failed"])
	}
}

func TestChallengeVerification(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	code, _, err := h.svc.RequestChallengeCode(context.Background(), conn)
	if err != nil {
		t.Fatalf("RequestChallengeCode: %v", err)
	}
	if !strings.HasPrefix(code, "LINK-") || len(code) != len("LINK-")+6 {
		t.Fatalf("unexpected challenge format %q", code)
	}

	if err := h.svc.VerifyChallengeCode(context.Background(), conn, code); !errors.Is(err, ErrChallengeNotPosted) {
		t.Fatalf("expected ErrChallengeNotPosted, got %v", err)
	}
	if h.conns.get(conn.ID).Verification.State() != models.VerificationPendingChallenge {
		t.Fatalf("connection left pending state after missing post")
	}

	h.platform.posts = []social.PlatformPost{
		{ID: "1", Text: "unrelated", AuthorID: "987"},
		{ID: "2", Text: "verifying my account " + strings.ToLower(code), AuthorID: "987"},
	}
	if err := h.svc.VerifyChallengeCode(context.Background(), conn, strings.ToLower(code)); err != nil {
		t.Fatalf("VerifyChallengeCode: %v", err)
	}
	stored := h.conns.get(conn.ID)
	if stored.Verification.Method() != models.VerificationMethodPlatformPost {
		t.Fatalf("method = %q", stored.Verification.Method())
	}
	if h.metrics.counts["platform_post/verified"] != 1 {
		t.Errorf("verified outcome not recorded: %v", h.metrics.counts)
	}
}

func TestVerifyingOneMethodVoidsTheOther(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	challenge, _, err := h.svc.RequestChallengeCode(context.Background(), conn)
	if err != nil {
		t.Fatalf("RequestChallengeCode: %v", err)
	}
	if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	code := h.pending(t, conn, models.VerificationMethodEmail).Code
	if err := h.svc.VerifyEmailCode(context.Background(), conn, code); err != nil {
		t.Fatalf("VerifyEmailCode: %v", err)
	}

	if err := h.svc.VerifyChallengeCode(context.Background(), conn, challenge); !errors.Is(err, ErrNoPendingCode) {
		t.Fatalf("expected ErrNoPendingCode for voided challenge, got %v", err)
	}
}

func TestAutoDispatchRequiresVerification(t *testing.T) {
	h := newHarness(t)
	conn := h.link(t, "42")

	if err := h.svc.ToggleAutoDispatch(context.Background(), conn, true); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	if err := h.svc.ToggleAutoDispatch(context.Background(), conn, false); err != nil {
		t.Fatalf("disabling must always succeed: %v", err)
	}

	if _, err := h.svc.RequestEmailCode(context.Background(), conn, "alice@example.com"); err != nil {
		t.Fatalf("RequestEmailCode: %v", err)
	}
	code := h.pending(t, conn, models.VerificationMethodEmail).Code
	if err := h.svc.VerifyEmailCode(context.Background(), conn, code); err != nil {
		t.Fatalf("VerifyEmailCode: %v", err)
	}
	if err := h.svc.ToggleAutoDispatch(context.Background(), conn, true); err != nil {
		t.Fatalf("ToggleAutoDispatch after verification: %v", err)
	}

	// a new code request drops the connection back to pending and switches auto-dispatch off
	if _, _, err := h.svc.RequestChallengeCode(context.Background(), conn); err != nil {
		t.Fatalf("RequestChallengeCode: %v", err)
	}
	if h.conns.get(conn.ID).AutoDispatchEnabled {
		t.Fatalf("auto-dispatch left on for a pending connection")
	}
}

func TestStatusAndDisconnect(t *testing.T) {
	h := newHarness(t)

	status, err := h.svc.GetConnectionStatus(context.Background(), "42")
	if err != nil || status.Connected {
		t.Fatalf("status before link = %+v, %v", status, err)
	}

	conn := h.link(t, "42")
	if _, _, err := h.svc.RequestChallengeCode(context.Background(), conn); err != nil {
		t.Fatalf("RequestChallengeCode: %v", err)
	}

	status, err = h.svc.GetConnectionStatus(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetConnectionStatus: %v", err)
	}
	if !status.Connected || status.Handle != "alice" || status.VerificationState != models.VerificationPendingChallenge {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := h.svc.Disconnect(context.Background(), "42"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := h.svc.Disconnect(context.Background(), "42"); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	stored := h.conns.get(conn.ID)
	if stored.Credentials != nil || stored.DisconnectedAt == nil {
		t.Fatalf("connection not reset: %+v", stored)
	}
	if _, err := h.states.Code(context.Background(), conn.ID, models.VerificationMethodPlatformPost); !errors.Is(err, linkstate.ErrNotFound) {
		t.Fatalf("pending code survived disconnect")
	}
	status, _ = h.svc.GetConnectionStatus(context.Background(), "42")
	if status.Connected {
		t.Fatalf("status still connected after disconnect")
	}
}

func TestLookupHandle(t *testing.T) {
	h := newHarness(t)

	identity, err := h.svc.LookupHandle(context.Background(), "@alice")
	if err != nil || identity.ID != "987" {
		t.Fatalf("LookupHandle = %+v, %v", identity, err)
	}

	if _, err := h.svc.LookupHandle(context.Background(), "bad handle"); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}

	h.platform.lookupErr = &social.PlatformError{Kind: social.KindNotFound, Op: "lookup_handle"}
	if _, err := h.svc.LookupHandle(context.Background(), "ghost"); !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
}
