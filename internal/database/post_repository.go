package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/STRATINT/postlink/internal/models"
)

// PostRepository stores posts and implements the dispatch claim protocol.
type PostRepository struct {
	db *sql.DB
}

// NewPostRepository creates a new post repository.
func NewPostRepository(db *sql.DB) *PostRepository {
	return &PostRepository{db: db}
}

const postColumns = `
	id, user_id, content, media, status, scheduled_for, posted_at,
	external_post_id, failure_reason, failure_detail, claim_owner,
	lease_expires_at, created_at, updated_at`

// Create inserts a new draft or scheduled post.
func (r *PostRepository) Create(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = models.PostStatusDraft
	}
	if post.Status != models.PostStatusDraft && post.Status != models.PostStatusScheduled {
		return fmt.Errorf("cannot create post in status %q", post.Status)
	}

	media, err := encodeMedia(post.Media)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO posts (id, user_id, content, media, status, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query,
		post.ID,
		post.UserID,
		post.Content,
		media,
		string(post.Status),
		nullTime(post.ScheduledFor),
	).Scan(&post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// GetForUser retrieves a post owned by userID.
func (r *PostRepository) GetForUser(ctx context.Context, userID, id string) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1 AND user_id = $2`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

// ListByUser lists a user's posts, newest first, optionally filtered by status.
func (r *PostRepository) ListByUser(ctx context.Context, userID string, statuses []models.PostStatus, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 50
	}

	filter := make([]string, 0, len(statuses))
	for _, s := range statuses {
		filter = append(filter, string(s))
	}

	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE user_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, userID, pq.Array(filter), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// Schedule moves a draft (or reschedules a scheduled post) to run at the
// given time.
func (r *PostRepository) Schedule(ctx context.Context, userID, id string, at time.Time) error {
	query := `
		UPDATE posts
		SET status = 'scheduled', scheduled_for = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status IN ('draft', 'scheduled')`

	res, err := r.db.ExecContext(ctx, query, id, userID, at)
	if err != nil {
		return fmt.Errorf("failed to schedule post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, err := r.GetForUser(ctx, userID, id); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

// ClaimDue atomically moves up to limit due posts from scheduled to
// processing under the given owner and returns them oldest first. Rows
// locked by a concurrent claimer are skipped, so no post is returned to
// two callers.
func (r *PostRepository) ClaimDue(ctx context.Context, now time.Time, owner string, lease time.Duration, limit int) ([]models.Post, error) {
	query := `
		UPDATE posts
		SET status = 'processing',
		    claim_owner = $3,
		    lease_expires_at = $4,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM posts
			WHERE status = 'scheduled'
			  AND scheduled_for <= $1
			ORDER BY scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + postColumns

	rows, err := r.db.QueryContext(ctx, query, now, limit, owner, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim due posts: %w", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed post: %w", err)
		}
		posts = append(posts, *post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed posts: %w", err)
	}

	// RETURNING does not preserve the subquery order
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].ScheduledFor.Before(*posts[j].ScheduledFor)
	})
	return posts, nil
}

// MarkPosted records a successful dispatch. Only the claim owner can
// complete a processing post.
func (r *PostRepository) MarkPosted(ctx context.Context, id, owner, externalPostID string, at time.Time) error {
	query := `
		UPDATE posts
		SET status = 'posted',
		    posted_at = $3,
		    external_post_id = $4,
		    failure_reason = NULL,
		    failure_detail = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND claim_owner = $2 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, owner, at, externalPostID)
	if err != nil {
		return fmt.Errorf("failed to mark post posted: %w", err)
	}
	return expectOne(res, ErrConditionFailed)
}

// MarkFailed records a terminal failure for a processing post.
func (r *PostRepository) MarkFailed(ctx context.Context, id, owner string, reason models.FailureReason, detail string) error {
	query := `
		UPDATE posts
		SET status = 'failed',
		    failure_reason = $3,
		    failure_detail = $4,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND claim_owner = $2 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, owner, string(reason), nullString(detail))
	if err != nil {
		return fmt.Errorf("failed to mark post failed: %w", err)
	}
	return expectOne(res, ErrConditionFailed)
}

// MarkUnrecorded keeps the external id of a post that was published but
// could not be marked posted. The claim owner is not checked: the lease may
// already have expired and been failed by another run, and the published
// id must survive either way.
func (r *PostRepository) MarkUnrecorded(ctx context.Context, id, externalPostID, detail string) error {
	query := `
		UPDATE posts
		SET status = 'failed',
		    failure_reason = $2,
		    failure_detail = $3,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('processing', 'failed')`

	msg := fmt.Sprintf("published as external post %s but not recorded: %s", externalPostID, detail)
	res, err := r.db.ExecContext(ctx, query, id, string(models.FailureUnrecorded), msg)
	if err != nil {
		return fmt.Errorf("failed to mark post unrecorded: %w", err)
	}
	return expectOne(res, ErrPostNotFound)
}

// FailExpiredLeases marks posts whose claim lease ran out as failed. A post
// abandoned mid-dispatch may already be on the platform, so it is never
// handed to another run.
func (r *PostRepository) FailExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE posts
		SET status = 'failed',
		    failure_reason = $2,
		    failure_detail = 'claim lease expired before completion',
		    lease_expires_at = NULL,
		    updated_at = $1
		WHERE status = 'processing' AND lease_expires_at < $1`

	res, err := r.db.ExecContext(ctx, query, now, string(models.FailureLeaseExpired))
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale claims: %w", err)
	}
	return res.RowsAffected()
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		post           models.Post
		media          []byte
		status         string
		scheduledFor   sql.NullTime
		postedAt       sql.NullTime
		externalPostID sql.NullString
		failureReason  sql.NullString
		failureDetail  sql.NullString
		claimOwner     sql.NullString
		leaseExpiresAt sql.NullTime
	)

	err := row.Scan(
		&post.ID,
		&post.UserID,
		&post.Content,
		&media,
		&status,
		&scheduledFor,
		&postedAt,
		&externalPostID,
		&failureReason,
		&failureDetail,
		&claimOwner,
		&leaseExpiresAt,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(media) > 0 {
		if err := json.Unmarshal(media, &post.Media); err != nil {
			return nil, fmt.Errorf("post %s: invalid media: %w", post.ID, err)
		}
	}
	post.Status = models.PostStatus(status)
	post.ScheduledFor = timePtr(scheduledFor)
	post.PostedAt = timePtr(postedAt)
	post.ExternalPostID = externalPostID.String
	post.FailureReason = models.FailureReason(failureReason.String)
	post.FailureDetail = failureDetail.String
	post.ClaimOwner = claimOwner.String
	post.LeaseExpiresAt = timePtr(leaseExpiresAt)

	return &post, nil
}

func encodeMedia(media []models.MediaRef) ([]byte, error) {
	if media == nil {
		media = []models.MediaRef{}
	}
	b, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("failed to encode media: %w", err)
	}
	return b, nil
}
