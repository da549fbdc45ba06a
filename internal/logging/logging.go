// Package logging builds the process-wide slog logger: a console or JSON
// handler on stderr, optionally teed into a GELF UDP sink.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/parisxmas/oxiwarehouse/internal/gelf"
)

type Options struct {
	Level    string
	Format   string // auto, console, json
	GelfAddr string
	Service  string
	Output   io.Writer
}

// New constructs the logger. The returned close function releases the GELF
// socket when one was opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var primary slog.Handler
	switch format := resolveFormat(opts.Format, out); format {
	case "json":
		primary = slog.NewJSONHandler(out, handlerOpts)
	case "console":
		primary = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	closer := func() error { return nil }
	if opts.GelfAddr == "" {
		return slog.New(primary), closer, nil
	}

	service := opts.Service
	if service == "" {
		service = "oxiwarehouse"
	}
	gw, err := gelf.New(opts.GelfAddr, service)
	if err != nil {
		logger := slog.New(primary)
		logger.Warn("GELF init failed", "addr", opts.GelfAddr, "error", err)
		return logger, closer, nil
	}
	shipped := slog.NewJSONHandler(gw, handlerOpts)
	return slog.New(Tee(primary, shipped)), gw.Close, nil
}

func resolveFormat(format string, out io.Writer) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != "auto" {
		return format
	}
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "console"
	}
	return "json"
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type teeHandler struct {
	handlers []slog.Handler
}

// Tee duplicates every record into each handler.
func Tee(handlers ...slog.Handler) slog.Handler {
	return &teeHandler{handlers: handlers}
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}
