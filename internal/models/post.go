package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PostStatus tracks a post through the dispatch lifecycle.
type PostStatus string

const (
	PostStatusDraft      PostStatus = "draft"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusProcessing PostStatus = "processing" // claimed by a dispatch run
	PostStatusPosted     PostStatus = "posted"
	PostStatusFailed     PostStatus = "failed" // terminal, never retried automatically
)

// Terminal reports whether no further transitions are possible.
func (s PostStatus) Terminal() bool {
	return s == PostStatusPosted || s == PostStatusFailed
}

// MediaKind is the type of an attached media item.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// MediaRef points at a media object held by the media source.
type MediaRef struct {
	Kind     MediaKind `json:"kind"`
	Key      string    `json:"key"`
	MimeType string    `json:"mime_type,omitempty"`
}

const (
	MaxContentLength = 280 // characters, counted as runes
	MaxImages        = 4
	MaxVideos        = 1
)

// FailureReason is the persisted cause of a failed post.
type FailureReason string

const (
	FailureNotConnected        FailureReason = "not_connected"
	FailureEmptyContent        FailureReason = "empty_content"
	FailureContentTooLong      FailureReason = "content_too_long"
	FailureMediaPolicy         FailureReason = "media_policy"
	FailureMediaUnavailable    FailureReason = "media_unavailable"
	FailureMediaUpload         FailureReason = "media_upload_failed"
	FailureRateLimited         FailureReason = "rate_limited"
	FailureAuthRejected        FailureReason = "auth_rejected"
	FailurePlatformRejected    FailureReason = "platform_rejected"
	FailurePlatformUnavailable FailureReason = "platform_unavailable"
	FailureLeaseExpired        FailureReason = "lease_expired"
	FailureInternal            FailureReason = "internal_error"
	// the platform accepted the post but it could not be recorded as
	// posted; the detail names the external post id
	FailureUnrecorded FailureReason = "published_unrecorded"
)

// Post is a piece of content destined for the external platform.
type Post struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Content        string        `json:"content"`
	Media          []MediaRef    `json:"media,omitempty"`
	Status         PostStatus    `json:"status"`
	ScheduledFor   *time.Time    `json:"scheduled_for,omitempty"`
	PostedAt       *time.Time    `json:"posted_at,omitempty"`        // set iff status is posted
	ExternalPostID string        `json:"external_post_id,omitempty"` // set iff status is posted
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	FailureDetail  string        `json:"failure_detail,omitempty"`
	ClaimOwner     string        `json:"-"`
	LeaseExpiresAt *time.Time    `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PolicyError reports content or media that can never be dispatched.
type PolicyError struct {
	Reason FailureReason
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// CheckContent validates the post text against the platform limit.
func CheckContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &PolicyError{Reason: FailureEmptyContent, Detail: "content is empty"}
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return &PolicyError{
			Reason: FailureContentTooLong,
			Detail: fmt.Sprintf("content is %d characters, limit is %d", n, MaxContentLength),
		}
	}
	return nil
}

// CheckMedia enforces the attachment policy: at most one video, or up to
// four images, never both.
func CheckMedia(media []MediaRef) error {
	var images, videos int
	for i, m := range media {
		switch m.Kind {
		case MediaKindImage:
			images++
		case MediaKindVideo:
			videos++
		default:
			return &PolicyError{Reason: FailureMediaPolicy, Detail: fmt.Sprintf("media[%d] has unknown kind %q", i, m.Kind)}
		}
		if m.Key == "" {
			return &PolicyError{Reason: FailureMediaPolicy, Detail: fmt.Sprintf("media[%d] has no key", i)}
		}
	}

	switch {
	case images > 0 && videos > 0:
		return &PolicyError{Reason: FailureMediaPolicy, Detail: "images and video cannot be mixed"}
	case videos > MaxVideos:
		return &PolicyError{Reason: FailureMediaPolicy, Detail: fmt.Sprintf("%d videos attached, limit is %d", videos, MaxVideos)}
	case images > MaxImages:
		return &PolicyError{Reason: FailureMediaPolicy, Detail: fmt.Sprintf("%d images attached, limit is %d", images, MaxImages)}
	}
	return nil
}

// CheckDispatchable runs every local check that must pass before any
// network call is made for the post.
func (p *Post) CheckDispatchable() error {
	if err := CheckContent(p.Content); err != nil {
		return err
	}
	return CheckMedia(p.Media)
}
