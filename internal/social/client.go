package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/models"
)

// ErrNotConfigured is returned when the OAuth application settings needed
// for an operation are missing.
var ErrNotConfigured = errors.New("platform client is not configured")

const maxResponseBytes = 1 << 20

// Authorizer runs the OAuth 2.0 authorization-code flow with PKCE.
type Authorizer interface {
	AuthorizationURL(state, codeChallenge string) (string, error)
	// ExchangeCode trades the authorization code for credentials and
	// resolves the identity they belong to.
	ExchangeCode(ctx context.Context, code, verifier string) (*LinkGrant, error)
}

// Reader performs read-only lookups with the application's own token.
type Reader interface {
	LookupByHandle(ctx context.Context, handle string) (*models.ExternalIdentity, error)
	RecentPosts(ctx context.Context, externalID string, limit int) ([]PlatformPost, error)
}

// Writer acts on behalf of a user with that user's credentials.
type Writer interface {
	UploadMedia(ctx context.Context, creds *models.Credentials, media Media) (string, error)
	CreatePost(ctx context.Context, creds *models.Credentials, text string, mediaIDs []string) (string, error)
	RefreshCredentials(ctx context.Context, creds *models.Credentials) (*models.Credentials, error)
}

// LinkGrant is the outcome of a successful code exchange.
type LinkGrant struct {
	Credentials models.Credentials
	Identity    models.ExternalIdentity
}

// PlatformPost is a post read back from a timeline.
type PlatformPost struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Media is a media item ready for upload.
type Media struct {
	Kind     models.MediaKind
	MimeType string
	Data     []byte
}

// Client talks to the X API v2.
type Client struct {
	cfg        config.PlatformConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryPolicy
	chunkSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetryPolicy replaces the retry policy for idempotent calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLimiter replaces the client-side request throttle.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithChunkSize sets the segment size for chunked video uploads.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// NewClient creates a platform client.
func NewClient(cfg config.PlatformConfig, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		retry:     DefaultRetryPolicy(),
		chunkSize: 4 << 20,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizationURL builds the URL the user is redirected to in order to
// grant access.
func (c *Client) AuthorizationURL(state, codeChallenge string) (string, error) {
	if !c.cfg.LinkingEnabled() {
		return "", ErrNotConfigured
	}

	u, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize url: %w", err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func (t tokenResponse) credentials(now time.Time) models.Credentials {
	creds := models.Credentials{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Scopes:       strings.Fields(t.Scope),
	}
	if t.ExpiresIn > 0 {
		creds.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	return creds
}

// ExchangeCode trades an authorization code for user credentials and
// fetches the authenticated identity.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*LinkGrant, error) {
	if !c.cfg.LinkingEnabled() {
		return nil, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	form.Set("code_verifier", verifier)
	form.Set("client_id", c.cfg.ClientID)

	// codes are single use, so the exchange itself is never retried
	token, err := c.token(ctx, "exchange_code", form)
	if err != nil {
		return nil, err
	}

	creds := token.credentials(c.now())
	identity, err := c.me(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}

	c.logger.Info("authorization code exchanged",
		"external_id", identity.ID,
		"handle", identity.Handle)

	return &LinkGrant{Credentials: creds, Identity: *identity}, nil
}

// RefreshCredentials uses the refresh token to obtain a new access token.
func (c *Client) RefreshCredentials(ctx context.Context, creds *models.Credentials) (*models.Credentials, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, &PlatformError{Kind: KindAuthRejected, Op: "refresh_token", Message: "no refresh token"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)

	token, err := c.token(ctx, "refresh_token", form)
	if err != nil {
		return nil, err
	}
	refreshed := token.credentials(c.now())
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	return &refreshed, nil
}

func (c *Client) token(ctx context.Context, op string, form url.Values) (*tokenResponse, error) {
	var token tokenResponse
	err := c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/2/oauth2/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if c.cfg.ClientSecret != "" {
			req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
		}
		return req, nil
	}, &token)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, &PlatformError{Kind: KindRejected, Op: op, Message: "token response without access_token"}
	}
	return &token, nil
}

type userEnvelope struct {
	Data *struct {
		ID              string `json:"id"`
		Username        string `json:"username"`
		Name            string `json:"name"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e userEnvelope) identity(op string) (*models.ExternalIdentity, error) {
	if e.Data == nil || e.Data.ID == "" {
		msg := "user not found"
		if len(e.Errors) > 0 && e.Errors[0].Detail != "" {
			msg = e.Errors[0].Detail
		}
		return nil, &PlatformError{Kind: KindNotFound, Op: op, Message: msg}
	}
	return &models.ExternalIdentity{
		ID:              e.Data.ID,
		Handle:          e.Data.Username,
		DisplayName:     e.Data.Name,
		ProfileImageURL: e.Data.ProfileImageURL,
	}, nil
}

func (c *Client) me(ctx context.Context, accessToken string) (*models.ExternalIdentity, error) {
	var env userEnvelope
	err := Retry(ctx, c.retry, func() error {
		return c.do(ctx, "get_me", c.bearerGet(ctx, "/2/users/me?user.fields=profile_image_url", accessToken), &env)
	})
	if err != nil {
		return nil, err
	}
	return env.identity("get_me")
}

// LookupByHandle resolves a username with the application token.
func (c *Client) LookupByHandle(ctx context.Context, handle string) (*models.ExternalIdentity, error) {
	handle = NormalizeHandle(handle)
	if !ValidHandle(handle) {
		return nil, &PlatformError{Kind: KindRejected, Op: "lookup_handle", Message: "invalid handle"}
	}
	if c.cfg.BearerToken == "" {
		return nil, ErrNotConfigured
	}

	path := "/2/users/by/username/" + url.PathEscape(handle) + "?user.fields=profile_image_url"

	var env userEnvelope
	err := Retry(ctx, c.retry, func() error {
		return c.do(ctx, "lookup_handle", c.bearerGet(ctx, path, c.cfg.BearerToken), &env)
	})
	if err != nil {
		return nil, err
	}
	return env.identity("lookup_handle")
}

// RecentPosts returns the latest posts from an account's timeline.
func (c *Client) RecentPosts(ctx context.Context, externalID string, limit int) ([]PlatformPost, error) {
	if c.cfg.BearerToken == "" {
		return nil, ErrNotConfigured
	}
	// API bounds for max_results
	if limit < 5 {
		limit = 5
	}
	if limit > 100 {
		limit = 100
	}

	q := url.Values{}
	q.Set("max_results", fmt.Sprintf("%d", limit))
	q.Set("tweet.fields", "created_at,author_id")
	path := "/2/users/" + url.PathEscape(externalID) + "/tweets?" + q.Encode()

	var resp struct {
		Data []PlatformPost `json:"data"`
	}
	err := Retry(ctx, c.retry, func() error {
		return c.do(ctx, "recent_posts", c.bearerGet(ctx, path, c.cfg.BearerToken), &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

type createPostRequest struct {
	Text  string           `json:"text"`
	Media *createPostMedia `json:"media,omitempty"`
}

type createPostMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// CreatePost publishes a post as the credential owner. It is not retried:
// a timeout may hide a post that was in fact created.
func (c *Client) CreatePost(ctx context.Context, creds *models.Credentials, text string, mediaIDs []string) (string, error) {
	if creds == nil || creds.AccessToken == "" {
		return "", &PlatformError{Kind: KindAuthRejected, Op: "create_post", Message: "missing credentials"}
	}

	payload := createPostRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &createPostMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal post request: %w", err)
	}

	var resp struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	err = c.do(ctx, "create_post", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/2/tweets", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		return req, nil
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", &PlatformError{Kind: KindTransient, Op: "create_post", Message: "response without post id"}
	}

	c.logger.Info("post created",
		"external_post_id", resp.Data.ID,
		"text_length", len([]rune(text)),
		"media_count", len(mediaIDs))

	return resp.Data.ID, nil
}

func (c *Client) bearerGet(ctx context.Context, path, token string) func() (*http.Request, error) {
	return c.bearerGetURL(ctx, c.cfg.APIBaseURL+path, token)
}

// do sends one request built by newReq and decodes a 2xx JSON body into
// out. Any other outcome becomes a *PlatformError.
func (c *Client) do(ctx context.Context, op string, newReq func() (*http.Request, error), out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(op, err)
	}

	req, err := newReq()
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := classifyResponse(op, resp, body, c.now())
		c.logger.Warn("platform call failed",
			"op", op,
			"status", resp.StatusCode,
			"kind", perr.Kind.String())
		return perr
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &PlatformError{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

// NormalizeHandle strips whitespace and a leading @.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// ValidHandle reports whether handle is a syntactically valid username:
// 1-15 characters of letters, digits and underscore.
func ValidHandle(handle string) bool {
	if len(handle) == 0 || len(handle) > 15 {
		return false
	}
	for _, r := range handle {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
