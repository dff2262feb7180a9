package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/postlink/internal/dispatch"
	"github.com/STRATINT/postlink/internal/media"
	"github.com/STRATINT/postlink/internal/models"
)

const (
	maxUploadBytes   = 512 << 20
	defaultListLimit = 50
	maxListLimit     = 200
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

// PostService is the post authoring surface used by the HTTP API.
type PostService interface {
	CreatePost(ctx context.Context, userID string, in dispatch.PostInput) (*models.Post, error)
	SchedulePost(ctx context.Context, userID, id string, at time.Time) (*models.Post, error)
	GetPost(ctx context.Context, userID, id string) (*models.Post, error)
	ListPosts(ctx context.Context, userID string, statuses []models.PostStatus, limit int) ([]models.Post, error)
}

// PostHandler serves the /api/posts and /api/media endpoints.
type PostHandler struct {
	posts  PostService
	media  media.Store
	logger *slog.Logger
}

// NewPostHandler creates a new post handler. mediaStore may be nil, in which
// case uploads are refused.
func NewPostHandler(posts PostService, mediaStore media.Store, logger *slog.Logger) *PostHandler {
	return &PostHandler{posts: posts, media: mediaStore, logger: logger}
}

type scheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for" validate:"required"`
}

// PostsResponse is the body of GET /api/posts.
type PostsResponse struct {
	Posts []models.Post `json:"posts"`
	Count int           `json:"count"`
}

// Create handles POST /api/posts
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in dispatch.PostInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	post, err := h.posts.CreatePost(r.Context(), userID(r), in)
	if err != nil {
		respondError(w, h.logger, "create_post", err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// List handles GET /api/posts?status=scheduled,failed&limit=50
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(max(limit, 1), maxListLimit)

	var statuses []models.PostStatus
	for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, models.PostStatus(s))
		}
	}

	posts, err := h.posts.ListPosts(r.Context(), userID(r), statuses, limit)
	if err != nil {
		respondError(w, h.logger, "list_posts", err)
		return
	}
	if posts == nil {
		posts = []models.Post{}
	}
	writeJSON(w, http.StatusOK, PostsResponse{Posts: posts, Count: len(posts)})
}

// Get handles GET /api/posts/{id}
func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	post, err := h.posts.GetPost(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		respondError(w, h.logger, "get_post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// Schedule handles POST /api/posts/{id}/schedule
func (h *PostHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	post, err := h.posts.SchedulePost(r.Context(), userID(r), pathVar(r, "id"), req.ScheduledFor)
	if err != nil {
		respondError(w, h.logger, "schedule_post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// UploadMedia handles POST /api/media (multipart form, field "file"). It
// stores the object under the caller's prefix and returns the reference to
// attach to a post.
func (h *PostHandler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	if h.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	contentType := http.DetectContentType(data)
	var kind models.MediaKind
	switch {
	case strings.HasPrefix(contentType, "image/"):
		kind = models.MediaKindImage
	case strings.HasPrefix(contentType, "video/"):
		kind = models.MediaKindVideo
	default:
		writeError(w, http.StatusUnsupportedMediaType, "only images and videos can be attached")
		return
	}

	ext := strings.ToLower(path.Ext(header.Filename))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	key := userID(r) + "/" + uuid.NewString() + ext

	if err := h.media.Put(r.Context(), key, media.Object{Data: data, ContentType: contentType}); err != nil {
		respondError(w, h.logger, "upload_media", err)
		return
	}
	h.logger.Info("media stored", "user_id", userID(r), "key", key, "bytes", len(data))
	writeJSON(w, http.StatusCreated, models.MediaRef{Kind: kind, Key: key, MimeType: contentType})
}
