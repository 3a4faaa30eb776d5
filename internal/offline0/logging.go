package offline0

import (
	"io"
	"log/slog"
	"strings"
)

// Structured log keys shared across the package.
const (
	KeyURL       = "url"
	KeyBucket    = "bucket"
	KeyVersion   = "version"
	KeyTag       = "tag"
	KeyStrategy  = "strategy"
	KeySource    = "source"
	KeyStatus    = "status"
	KeyClientID  = "client_id"
	KeyEntryID   = "entry_id"
	KeyAttempt   = "attempt"
	KeyError     = "error"
	KeyMessage   = "message_type"
	KeyCount     = "count"
	KeyDuration  = "duration_ms"
	KeyOldState  = "from"
	KeyNewState  = "to"
	KeyNotifyID  = "notification_id"
	KeyQueueSize = "pending"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
