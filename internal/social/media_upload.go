package social

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/STRATINT/postlink/internal/models"
)

type mediaEnvelope struct {
	Data struct {
		ID             string          `json:"id"`
		ProcessingInfo *processingInfo `json:"processing_info,omitempty"`
	} `json:"data"`
}

type processingInfo struct {
	State          string `json:"state"`
	CheckAfterSecs int    `json:"check_after_secs"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const maxProcessingPolls = 60

// UploadMedia uploads one media item and returns the platform media id.
// Images go up in a single request; video is uploaded in chunks and then
// polled until the platform finishes processing it.
func (c *Client) UploadMedia(ctx context.Context, creds *models.Credentials, media Media) (string, error) {
	if creds == nil || creds.AccessToken == "" {
		return "", &PlatformError{Kind: KindAuthRejected, Op: "upload_media", Message: "missing credentials"}
	}
	if len(media.Data) == 0 {
		return "", &PlatformError{Kind: KindRejected, Op: "upload_media", Message: "empty media"}
	}

	var (
		id  string
		err error
	)
	switch media.Kind {
	case models.MediaKindImage:
		id, err = c.uploadSimple(ctx, creds.AccessToken, media)
	case models.MediaKindVideo:
		id, err = c.uploadChunked(ctx, creds.AccessToken, media)
	default:
		return "", &PlatformError{Kind: KindRejected, Op: "upload_media", Message: fmt.Sprintf("unsupported media kind %q", media.Kind)}
	}
	if err != nil {
		return "", err
	}

	c.logger.Debug("media uploaded",
		"media_id", id,
		"kind", media.Kind,
		"bytes", len(media.Data))
	return id, nil
}

func (c *Client) uploadSimple(ctx context.Context, token string, media Media) (string, error) {
	var env mediaEnvelope
	err := Retry(ctx, c.retry, func() error {
		return c.do(ctx, "upload_image", c.multipartPost(ctx, token, map[string]string{
			"media_category": "tweet_image",
			"media_type":     media.MimeType,
		}, media.Data), &env)
	})
	if err != nil {
		return "", err
	}
	if env.Data.ID == "" {
		return "", &PlatformError{Kind: KindTransient, Op: "upload_image", Message: "response without media id"}
	}
	return env.Data.ID, nil
}

func (c *Client) uploadChunked(ctx context.Context, token string, media Media) (string, error) {
	var initEnv mediaEnvelope
	err := Retry(ctx, c.retry, func() error {
		return c.do(ctx, "upload_init", c.formPost(ctx, token, url.Values{
			"command":        {"INIT"},
			"media_type":     {media.MimeType},
			"total_bytes":    {strconv.Itoa(len(media.Data))},
			"media_category": {"tweet_video"},
		}), &initEnv)
	})
	if err != nil {
		return "", err
	}
	mediaID := initEnv.Data.ID
	if mediaID == "" {
		return "", &PlatformError{Kind: KindTransient, Op: "upload_init", Message: "response without media id"}
	}

	chunk := c.chunkSize
	if chunk <= 0 {
		chunk = len(media.Data)
	}
	for segment, offset := 0, 0; offset < len(media.Data); segment, offset = segment+1, offset+chunk {
		end := min(offset+chunk, len(media.Data))
		fields := map[string]string{
			"command":       "APPEND",
			"media_id":      mediaID,
			"segment_index": strconv.Itoa(segment),
		}
		part := media.Data[offset:end]
		err := Retry(ctx, c.retry, func() error {
			return c.do(ctx, "upload_append", c.multipartPost(ctx, token, fields, part), nil)
		})
		if err != nil {
			return "", err
		}
	}

	var finEnv mediaEnvelope
	err = Retry(ctx, c.retry, func() error {
		return c.do(ctx, "upload_finalize", c.formPost(ctx, token, url.Values{
			"command":  {"FINALIZE"},
			"media_id": {mediaID},
		}), &finEnv)
	})
	if err != nil {
		return "", err
	}

	if err := c.awaitProcessing(ctx, token, mediaID, finEnv.Data.ProcessingInfo); err != nil {
		return "", err
	}
	return mediaID, nil
}

// awaitProcessing polls STATUS until the platform reports the media ready.
func (c *Client) awaitProcessing(ctx context.Context, token, mediaID string, info *processingInfo) error {
	for polls := 0; info != nil; polls++ {
		switch info.State {
		case "succeeded", "":
			return nil
		case "failed":
			msg := "media processing failed"
			if info.Error != nil && info.Error.Message != "" {
				msg = info.Error.Message
			}
			return &PlatformError{Kind: KindRejected, Op: "upload_status", Message: msg}
		}
		if polls >= maxProcessingPolls {
			return &PlatformError{Kind: KindTransient, Op: "upload_status", Message: "media still processing"}
		}

		wait := time.Duration(max(info.CheckAfterSecs, 1)) * time.Second
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transportError("upload_status", ctx.Err())
		case <-timer.C:
		}

		q := url.Values{"command": {"STATUS"}, "media_id": {mediaID}}
		var env mediaEnvelope
		err := Retry(ctx, c.retry, func() error {
			return c.do(ctx, "upload_status", c.bearerGetURL(ctx, c.cfg.UploadBaseURL+"/2/media/upload?"+q.Encode(), token), &env)
		})
		if err != nil {
			return err
		}
		info = env.Data.ProcessingInfo
	}
	return nil
}

func (c *Client) formPost(ctx context.Context, token string, form url.Values) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadBaseURL+"/2/media/upload", bytes.NewBufferString(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}
}

func (c *Client) multipartPost(ctx context.Context, token string, fields map[string]string, data []byte) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, err
			}
		}
		part, err := w.CreateFormFile("media", "media")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadBaseURL+"/2/media/upload", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}
}

func (c *Client) bearerGetURL(ctx context.Context, rawURL, token string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}
}
