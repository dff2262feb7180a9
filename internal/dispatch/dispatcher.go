// Package dispatch publishes scheduled posts through the owner's linked
// account.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/media"
	"github.com/STRATINT/postlink/internal/models"
	"github.com/STRATINT/postlink/internal/social"
)

// PostStore is the claim/complete side of the post repository.
type PostStore interface {
	FailExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, owner string, lease time.Duration, limit int) ([]models.Post, error)
	MarkPosted(ctx context.Context, id, owner, externalPostID string, at time.Time) error
	MarkFailed(ctx context.Context, id, owner string, reason models.FailureReason, detail string) error
	MarkUnrecorded(ctx context.Context, id, externalPostID, detail string) error
}

// ConnectionSource resolves the account a post is published through.
type ConnectionSource interface {
	GetDispatchable(ctx context.Context, userID string) (*models.Connection, error)
	UpdateCredentials(ctx context.Context, id, externalID string, creds *models.Credentials) error
}

// Recorder receives dispatch outcomes.
type Recorder interface {
	PostDispatched(outcome string)
	DispatchRun(result string)
}

type nopRecorder struct{}

func (nopRecorder) PostDispatched(string) {}
func (nopRecorder) DispatchRun(string)    {}

// Summary describes one dispatch run.
type Summary struct {
	RunID    string `json:"run_id"`
	Released int64  `json:"released"`
	Claimed  int    `json:"claimed"`
	Posted   int    `json:"posted"`
	Failed   int    `json:"failed"`
	// published on the platform but not recorded as posted
	Unrecorded int `json:"unrecorded"`
}

// Dispatcher claims due posts and publishes them.
type Dispatcher struct {
	posts       PostStore
	connections ConnectionSource
	media       media.Store
	writer      social.Writer
	metrics     Recorder
	cfg         config.DispatchConfig
	instance    string
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(
	posts PostStore,
	connections ConnectionSource,
	mediaStore media.Store,
	writer social.Writer,
	metrics Recorder,
	cfg config.DispatchConfig,
	logger *slog.Logger,
) *Dispatcher {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 30 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "postlink"
	}

	return &Dispatcher{
		posts:       posts,
		connections: connections,
		media:       mediaStore,
		writer:      writer,
		metrics:     metrics,
		cfg:         cfg,
		instance:    instance,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single dispatch pass: stale claims are failed, then up
// to BatchSize due posts are claimed and published one at a time. A failure
// on one post never stops the others. Failed posts are not retried.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	owner := d.instance + "/" + runID
	summary := Summary{RunID: runID}
	log := d.logger.With("run_id", runID)

	released, err := d.posts.FailExpiredLeases(ctx, d.now())
	if err != nil {
		d.metrics.DispatchRun("error")
		return summary, fmt.Errorf("failed to release stale claims: %w", err)
	}
	summary.Released = released
	if released > 0 {
		log.Warn("failed posts with expired leases", "count", released)
	}

	claimed, err := d.posts.ClaimDue(ctx, d.now(), owner, d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		d.metrics.DispatchRun("error")
		return summary, fmt.Errorf("failed to claim due posts: %w", err)
	}
	summary.Claimed = len(claimed)

	for i := range claimed {
		if ctx.Err() != nil {
			// unprocessed claims fail with lease_expired on a later run
			log.Warn("dispatch run cancelled", "remaining", len(claimed)-i)
			break
		}
		switch d.dispatchOne(ctx, log, owner, &claimed[i]) {
		case resultPosted:
			summary.Posted++
		case resultUnrecorded:
			summary.Unrecorded++
		default:
			summary.Failed++
		}
	}

	d.metrics.DispatchRun("ok")
	if summary.Claimed > 0 || summary.Released > 0 {
		log.Info("dispatch run completed",
			"claimed", summary.Claimed,
			"posted", summary.Posted,
			"failed", summary.Failed,
			"unrecorded", summary.Unrecorded,
			"released", summary.Released)
	}
	return summary, nil
}

// outcome is the result of publishing one post.
type outcome struct {
	externalID string
	reason     models.FailureReason
	detail     string
}

func failed(reason models.FailureReason, detail string) outcome {
	return outcome{reason: reason, detail: detail}
}

type dispatchResult int

const (
	resultFailed dispatchResult = iota
	resultPosted
	resultUnrecorded
)

func (d *Dispatcher) dispatchOne(ctx context.Context, log *slog.Logger, owner string, post *models.Post) dispatchResult {
	log = log.With("post_id", post.ID, "user_id", post.UserID)

	postCtx, cancel := context.WithTimeout(ctx, d.cfg.PostTimeout)
	defer cancel()

	res := d.publish(postCtx, log, post)

	// record with the parent context so a post timeout does not lose the result
	if res.reason == "" {
		err := d.posts.MarkPosted(ctx, post.ID, owner, res.externalID, d.now())
		if err == nil {
			log.Info("post dispatched", "external_post_id", res.externalID)
			d.metrics.PostDispatched("posted")
			return resultPosted
		}

		log.Error("post published but not recorded",
			"external_post_id", res.externalID,
			"error", err)
		if err := d.posts.MarkUnrecorded(ctx, post.ID, res.externalID, err.Error()); err != nil {
			log.Error("failed to keep external id of unrecorded post",
				"external_post_id", res.externalID,
				"error", err)
		}
		d.metrics.PostDispatched(string(models.FailureUnrecorded))
		return resultUnrecorded
	}

	if err := d.posts.MarkFailed(ctx, post.ID, owner, res.reason, res.detail); err != nil {
		log.Error("failed to record dispatch failure", "reason", res.reason, "error", err)
	} else {
		log.Warn("post dispatch failed", "reason", res.reason, "detail", res.detail)
	}
	d.metrics.PostDispatched(string(res.reason))
	return resultFailed
}

// publish runs the checks and platform calls for one post. Content and
// media policy are checked before anything touches the network.
func (d *Dispatcher) publish(ctx context.Context, log *slog.Logger, post *models.Post) outcome {
	conn, err := d.connections.GetDispatchable(ctx, post.UserID)
	if errors.Is(err, database.ErrConnectionNotFound) || (err == nil && !conn.CanDispatch()) {
		return failed(models.FailureNotConnected, "no verified connection")
	}
	if err != nil {
		log.Error("failed to load connection", "error", err)
		return failed(models.FailureInternal, "connection lookup failed")
	}

	if err := post.CheckDispatchable(); err != nil {
		var perr *models.PolicyError
		if errors.As(err, &perr) {
			return failed(perr.Reason, perr.Detail)
		}
		return failed(models.FailureInternal, err.Error())
	}

	creds, res, ok := d.credentials(ctx, log, conn)
	if !ok {
		return res
	}

	mediaIDs := make([]string, 0, len(post.Media))
	for i, ref := range post.Media {
		obj, err := d.media.Get(ctx, ref.Key)
		if err != nil {
			log.Warn("media unavailable", "key", ref.Key, "error", err)
			return failed(models.FailureMediaUnavailable, fmt.Sprintf("media[%d]: %v", i, err))
		}
		mimeType := ref.MimeType
		if mimeType == "" {
			mimeType = obj.ContentType
		}

		id, err := d.writer.UploadMedia(ctx, creds, social.Media{Kind: ref.Kind, MimeType: mimeType, Data: obj.Data})
		if err != nil {
			res := classify(err, models.FailureMediaUpload)
			res.detail = fmt.Sprintf("media[%d]: %s", i, res.detail)
			return res
		}
		mediaIDs = append(mediaIDs, id)
	}

	externalID, err := d.writer.CreatePost(ctx, creds, post.Content, mediaIDs)
	if err != nil {
		return classify(err, "")
	}
	return outcome{externalID: externalID}
}

// credentials returns usable credentials, refreshing an expired access
// token first.
func (d *Dispatcher) credentials(ctx context.Context, log *slog.Logger, conn *models.Connection) (*models.Credentials, outcome, bool) {
	creds := conn.Credentials
	if !creds.Expired(d.now()) {
		return creds, outcome{}, true
	}
	if creds.RefreshToken == "" {
		return nil, failed(models.FailureAuthRejected, "access token expired"), false
	}

	refreshed, err := d.writer.RefreshCredentials(ctx, creds)
	if err != nil {
		return nil, classify(err, models.FailureAuthRejected), false
	}
	if err := d.connections.UpdateCredentials(ctx, conn.ID, conn.ExternalID, refreshed); err != nil {
		log.Error("failed to store refreshed credentials", "connection_id", conn.ID, "error", err)
	}
	return refreshed, outcome{}, true
}

// classify maps a platform error to a failure reason. fallback replaces the
// reason for transient and rejected errors when set.
func classify(err error, fallback models.FailureReason) outcome {
	kind, ok := social.KindOf(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return failed(models.FailurePlatformUnavailable, err.Error())
		}
		return failed(models.FailureInternal, err.Error())
	}

	switch kind {
	case social.KindRateLimited:
		return failed(models.FailureRateLimited, err.Error())
	case social.KindAuthRejected:
		return failed(models.FailureAuthRejected, err.Error())
	}
	if fallback != "" {
		return failed(fallback, err.Error())
	}
	if kind == social.KindTransient {
		return failed(models.FailurePlatformUnavailable, err.Error())
	}
	return failed(models.FailurePlatformRejected, err.Error())
}
