package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/STRATINT/postlink/internal/config"
)

// redactedKeys are attribute names whose values must never reach log output.
var redactedKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"code":          {},
	"code_verifier": {},
	"proof_secret":  {},
	"state_token":   {},
	"client_secret": {},
	"password":      {},
}

// New constructs a slog.Logger configured according to the provided settings.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	handler, err := buildHandler(cfg, w)
	if err != nil {
		return nil, err
	}

	return slog.New(handler), nil
}

// Discard returns a logger that drops everything. Used by tests and CLI
// commands that run quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildHandler(cfg config.LoggingConfig, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: redact}

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[a.Key]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
