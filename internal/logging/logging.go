// Package logging builds the process logger: a console or JSON stream on
// stderr, optionally teed into a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Redacted replaces secrets in log output.
const Redacted = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|x-api-key)(["']?\s*[:=]\s*["']?)[a-zA-Z0-9_-]{16,}`),
}

// Options configures New.
type Options struct {
	Level string
	// JSON disables the human-readable console writer on stderr.
	JSON bool
	// File enables a rotating log file when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console overrides stderr. Tests use it to capture output.
	Console io.Writer
}

// New returns a logger and a closer for the log file, if any. The closer is
// never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	out := opts.Console
	tty := false
	if out == nil {
		out = os.Stderr
		tty = isatty.IsTerminal(os.Stderr.Fd())
	}

	var console io.Writer = out
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: !tty}
	}
	console = NewRedactingWriter(console)

	var closer io.Closer = nopCloser{}
	writer := console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		closer = file
		writer = zerolog.MultiLevelWriter(console, NewRedactingWriter(file))
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// Redact replaces API keys and bearer tokens in s.
func Redact(s string) string {
	for _, p := range secretPatterns {
		if p.NumSubexp() == 2 {
			s = p.ReplaceAllString(s, "${1}${2}"+Redacted)
			continue
		}
		s = p.ReplaceAllString(s, Redacted)
	}
	return s
}

// RedactingWriter scrubs secrets from every write before passing it on.
type RedactingWriter struct {
	w io.Writer
}

// NewRedactingWriter wraps w.
func NewRedactingWriter(w io.Writer) *RedactingWriter {
	return &RedactingWriter{w: w}
}

// Write reports len(p) on success so callers never see a short write when
// redaction changes the length.
func (r *RedactingWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write([]byte(Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
