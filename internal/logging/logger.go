// Package logging wraps log/slog with console formatting and secret redaction.
package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Logger wraps slog.Logger with session-scoped helpers.
type Logger struct {
	*slog.Logger
	redactor *Redactor
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
// Logs go to stderr so stdout stays free for command output and the worker protocol.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "auto",
		Output: os.Stderr,
	}
}

// New creates a new logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	redactor := NewRedactor()

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		if isTerminal(cfg.Output) {
			handler = newConsoleHandler(cfg.Output, opts.Level.Level())
		} else {
			handler = slog.NewJSONHandler(cfg.Output, opts)
		}
	}

	return &Logger{
		Logger:   slog.New(newRedactingHandler(handler, redactor)),
		redactor: redactor,
	}
}

// NewNop creates a logger that discards everything.
func NewNop() *Logger {
	return &Logger{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		redactor: NewRedactor(),
	}
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
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

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func (l *Logger) derive(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), redactor: l.redactor}
}

// WithSession returns a logger tagged with a session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.derive("session_id", sessionID)
}

// WithRole returns a logger tagged with a worker role.
func (l *Logger) WithRole(role string) *Logger {
	return l.derive("role", role)
}

// WithStep returns a logger tagged with a step id.
func (l *Logger) WithStep(stepID string) *Logger {
	return l.derive("step_id", stepID)
}

// With returns a logger with custom fields.
func (l *Logger) With(args ...any) *Logger {
	return l.derive(args...)
}

// Redact removes secrets from s.
func (l *Logger) Redact(s string) string {
	return l.redactor.Redact(s)
}

// LineWriter returns a writer that logs each complete line at level.
// Close flushes a trailing partial line.
func (l *Logger) LineWriter(level slog.Level, msg string) io.WriteCloser {
	pr, pw := io.Pipe()
	lw := &lineWriter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(lw.done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
				l.Log(context.Background(), level, msg, "line", line)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()
	return lw
}

type lineWriter struct {
	pw   *io.PipeWriter
	once sync.Once
	done chan struct{}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *lineWriter) Close() error {
	w.once.Do(func() {
		_ = w.pw.Close()
		<-w.done
	})
	return nil
}
