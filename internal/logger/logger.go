// Package logger provides structured logging with custom levels and formatting
// for the bumpmate daemon.
//
// Log output format:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2=value2
//
// Custom levels beyond the standard slog set:
//   - LevelTrace (-8): per-message worker traffic
//   - LevelFail  (12): unrecoverable errors
//
// Values under keys listed in [SecretKeys] are never written.
package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Custom Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug // -4
	LevelInfo  slog.Level = slog.LevelInfo  // 0
	LevelWarn  slog.Level = slog.LevelWarn  // 4
	LevelError slog.Level = slog.LevelError // 8
	LevelFail  slog.Level = 12
)

// levelName returns the display name for a log level.
func levelName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARN"
	case l <= LevelError:
		return "ERROR"
	default:
		return "FAIL"
	}
}

// ParseLevel converts a level string to slog.Level.
// Supports: trace, debug, info, warn, error, fail (case-insensitive).
// Returns LevelInfo for unrecognized strings.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fail":
		return LevelFail
	default:
		return LevelInfo
	}
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// lineEnding is CRLF on Windows, LF elsewhere.
var lineEnding = "\n"

func init() {
	if runtime.GOOS == "windows" {
		lineEnding = "\r\n"
	}
}

// SecretKeys are attribute keys (lowercase) whose values are never written.
var SecretKeys = map[string]bool{
	"cookies":       true,
	"cookie":        true,
	"token":         true,
	"authorization": true,
}

const redacted = "[redacted]"

// Handler is a custom slog.Handler that formats log records as:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, ...
//
// Group attributes are flattened to dotted keys.
type Handler struct {
	w io.Writer
	// mu serializes writes to w so concurrent log calls do not interleave.
	mu *sync.Mutex
	// level is consulted on every record so a [slog.LevelVar] can change it
	// at runtime.
	level slog.Leveler
	// pre holds attributes from [Handler.WithAttrs], already rendered with
	// the group prefix in effect when they were added.
	pre []string
	// prefix is the dotted group path from [Handler.WithGroup], with a
	// trailing dot when non-empty.
	prefix string
}

// NewHandler creates a Handler that writes to w, filtering records below level.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	return &Handler{w: w, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	pairs := make([]string, 0, len(h.pre)+r.NumAttrs())
	pairs = append(pairs, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		pairs = appendAttr(pairs, h.prefix, a)
		return true
	})

	var buf strings.Builder
	buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	buf.WriteString(" [")
	buf.WriteString(levelName(r.Level))
	buf.WriteString("] ")
	buf.WriteString(r.Message)
	if len(pairs) > 0 {
		buf.WriteString(" | ")
		buf.WriteString(strings.Join(pairs, ", "))
	}
	buf.WriteString(lineEnding)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, buf.String())
	return err
}

// appendAttr renders a as key=value pairs under prefix. Groups expand into
// one pair per member; empty attributes are dropped.
func appendAttr(pairs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return pairs
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			pairs = appendAttr(pairs, sub, ga)
		}
		return pairs
	}
	val := a.Value.String()
	if SecretKeys[strings.ToLower(a.Key)] {
		val = redacted
	}
	return append(pairs, prefix+a.Key+"="+val)
}

// WithAttrs returns a new Handler with the given attributes pre-applied.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]string, len(h.pre), len(h.pre)+len(attrs))
	copy(pre, h.pre)
	for _, a := range attrs {
		pre = appendAttr(pre, h.prefix, a)
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, pre: pre, prefix: h.prefix}
}

// WithGroup returns a new Handler whose later attributes are keyed
// "name.key".
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, pre: h.pre, prefix: h.prefix + name + "."}
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Options configures [NewLogger].
type Options struct {
	// Path is the rotating log file.
	Path string
	// Level is the initial minimum level.
	Level slog.Level
	// MaxSizeMB is the size at which the file rotates.
	MaxSizeMB int
	// Console, when set, receives a copy of every line (foreground mode).
	Console io.Writer
}

// NewLogger creates a slog.Logger that writes to a rotating log file. The
// returned LevelVar adjusts the minimum level of the live logger; the
// io.Closer must be closed to flush pending writes.
func NewLogger(opts Options) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	if opts.Path == "" {
		return nil, nil, nil, fmt.Errorf("log path is required")
	}
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   false,
	}

	var w io.Writer = lj
	if opts.Console != nil {
		w = io.MultiWriter(lj, opts.Console)
	}
	level := new(slog.LevelVar)
	level.Set(opts.Level)
	return slog.New(NewHandler(w, level)), level, lj, nil
}

// ///////////////////////////////////////////////
// Helper Functions
// ///////////////////////////////////////////////

// Trace logs a message at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fail logs a message at LevelFail.
func Fail(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFail, msg, args...)
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

// tailChunk is the read size used when scanning backwards from the end of
// the log.
const tailChunk = 4096

// ReadTail returns the last n lines from the file at path, reading
// backwards from the end so large logs are not scanned in full.
// Returns an error if the file doesn't exist or can't be read.
func ReadTail(path string, lines int) (string, error) {
	if lines <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log file: %w", err)
	}

	// Read until the buffer holds one newline more than needed, so a line
	// cut by the chunk boundary is never returned.
	var buf []byte
	off := info.Size()
	for off > 0 && bytes.Count(buf, []byte{'\n'}) <= lines {
		n := min(int64(tailChunk), off)
		off -= n
		part := make([]byte, n)
		if _, err := f.ReadAt(part, off); err != nil && err != io.EOF {
			return "", fmt.Errorf("reading log file: %w", err)
		}
		buf = append(part, buf...)
	}

	text := strings.TrimRight(string(buf), "\r\n")
	if text == "" {
		return "", nil
	}
	out := strings.Split(text, "\n")
	if len(out) > lines {
		out = out[len(out)-lines:]
	}
	for i := range out {
		out[i] = strings.TrimRight(out[i], "\r")
	}
	return strings.Join(out, "\n"), nil
}
