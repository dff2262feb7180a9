package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/models"
)

var (
	// ErrNotSchedulable is returned when a post has left the draft and
	// scheduled states.
	ErrNotSchedulable = errors.New("post can no longer be scheduled")
	// ErrInvalidStatus is returned for an unknown status filter.
	ErrInvalidStatus = errors.New("unknown post status")
)

// PostRepository is the authoring side of the post repository.
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	GetForUser(ctx context.Context, userID, id string) (*models.Post, error)
	ListByUser(ctx context.Context, userID string, statuses []models.PostStatus, limit int) ([]models.Post, error)
	Schedule(ctx context.Context, userID, id string, at time.Time) error
}

// PostInput is what a user submits when creating a post.
type PostInput struct {
	Content      string            `json:"content"`
	Media        []models.MediaRef `json:"media,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
}

// Posts manages post authoring. Drafts are stored as written; content and
// media policy are enforced when a post is scheduled.
type Posts struct {
	repo PostRepository
}

// NewPosts creates the post service.
func NewPosts(repo PostRepository) *Posts {
	return &Posts{repo: repo}
}

// CreatePost stores a draft, or a scheduled post when ScheduledFor is set.
func (p *Posts) CreatePost(ctx context.Context, userID string, in PostInput) (*models.Post, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	post := &models.Post{
		UserID:  userID,
		Content: in.Content,
		Media:   in.Media,
		Status:  models.PostStatusDraft,
	}
	if in.ScheduledFor != nil {
		if err := post.CheckDispatchable(); err != nil {
			return nil, err
		}
		at := in.ScheduledFor.UTC()
		post.Status = models.PostStatusScheduled
		post.ScheduledFor = &at
	}

	if err := p.repo.Create(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}

// SchedulePost moves a draft to scheduled, or reschedules it.
func (p *Posts) SchedulePost(ctx context.Context, userID, id string, at time.Time) (*models.Post, error) {
	post, err := p.repo.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusDraft && post.Status != models.PostStatusScheduled {
		return nil, ErrNotSchedulable
	}
	if err := post.CheckDispatchable(); err != nil {
		return nil, err
	}

	err = p.repo.Schedule(ctx, userID, id, at.UTC())
	if errors.Is(err, database.ErrConditionFailed) {
		return nil, ErrNotSchedulable
	}
	if err != nil {
		return nil, err
	}
	return p.repo.GetForUser(ctx, userID, id)
}

// GetPost returns one of the user's posts.
func (p *Posts) GetPost(ctx context.Context, userID, id string) (*models.Post, error) {
	return p.repo.GetForUser(ctx, userID, id)
}

// ListPosts lists the user's posts, optionally filtered by status.
func (p *Posts) ListPosts(ctx context.Context, userID string, statuses []models.PostStatus, limit int) ([]models.Post, error) {
	for _, s := range statuses {
		switch s {
		case models.PostStatusDraft, models.PostStatusScheduled, models.PostStatusProcessing,
			models.PostStatusPosted, models.PostStatusFailed:
		default:
			return nil, fmt.Errorf("%w %q", ErrInvalidStatus, s)
		}
	}
	return p.repo.ListByUser(ctx, userID, statuses, limit)
}
