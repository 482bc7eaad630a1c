// Package logging sets up the process-wide structured logger.
package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog logger as the process default and bridges the
// standard library logger through it, so log.Printf callers emit structured
// lines too. In the dev environment lines render as human-readable text
// instead. The level comes from MERCHANT_LOG_LEVEL and defaults to info.
func Setup(service, env string) *slog.Logger {
	env = strings.TrimSpace(env)
	opts := &slog.HandlerOptions{
		Level:       parseLevel(os.Getenv("MERCHANT_LOG_LEVEL")),
		ReplaceAttr: renameAndMask,
	}
	var handler slog.Handler
	if strings.EqualFold(env, "dev") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// renameAndMask maps the default slog keys onto the log schema and blanks
// string values carried under secret-bearing keys.
func renameAndMask(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	default:
		if IsSensitive(attr.Key) && attr.Value.Kind() == slog.KindString {
			return slog.String(attr.Key, MaskValue(attr.Value.String()))
		}
	}
	return attr
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
