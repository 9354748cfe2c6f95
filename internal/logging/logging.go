// Package logging configures the process-wide zerolog logger and carries
// request and business identifiers on contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type contextField int

const (
	requestIDField contextField = iota
	businessIDField
)

// Config selects the output format, minimum level and component tag.
type Config struct {
	Format    string // json, console or auto
	Level     string
	Component string
	Output    io.Writer
}

var (
	current atomic.Pointer[zerolog.Logger]

	timeFormat = time.RFC3339
	isTerminal = term.IsTerminal
)

var levelAliases = map[string]zerolog.Level{
	"":        zerolog.InfoLevel,
	"warning": zerolog.WarnLevel,
	"off":     zerolog.Disabled,
}

func init() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	install(logger)
}

func install(logger zerolog.Logger) {
	current.Store(&logger)
	log.Logger = logger
}

// Init replaces the global logger. Unknown levels and formats fall back to
// info and json with a note on stderr.
func Init(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(levelFor(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	ctx := zerolog.New(writerFor(cfg.Format, out)).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		ctx = ctx.Str("component", component)
	}
	logger := ctx.Logger()
	install(logger)
	return logger
}

// MaxRequestIDLength bounds caller-supplied request ids.
const MaxRequestIDLength = 128

// WithRequestID attaches requestID to ctx. A blank, oversized or non-printable
// id is replaced with a generated one.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if requestID = strings.TrimSpace(requestID); !validRequestID(requestID) {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDField, requestID), requestID
}

func validRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDField)
}

// WithBusiness tags ctx with the business whose entitlements are being handled.
func WithBusiness(ctx context.Context, businessID string) context.Context {
	if businessID == "" {
		return ctx
	}
	return context.WithValue(ctx, businessIDField, businessID)
}

func BusinessID(ctx context.Context) string {
	return stringValue(ctx, businessIDField)
}

// FromContext returns the global logger with any request and business ids on
// ctx attached.
func FromContext(ctx context.Context) zerolog.Logger {
	logger := *current.Load()
	requestID, businessID := RequestID(ctx), BusinessID(ctx)
	if requestID == "" && businessID == "" {
		return logger
	}
	with := logger.With()
	if requestID != "" {
		with = with.Str("request_id", requestID)
	}
	if businessID != "" {
		with = with.Str("business_id", businessID)
	}
	return with.Logger()
}

func stringValue(ctx context.Context, field contextField) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(field).(string)
	return v
}

func levelFor(raw string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	if level, ok := levelAliases[name]; ok {
		return level
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		fmt.Fprintf(os.Stderr, "logging: unknown level %q, using info\n", name)
		return zerolog.InfoLevel
	}
	return level
}

func writerFor(format string, out io.Writer) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return out
	case "console":
		return consoleWriter(out)
	case "", "auto":
		if f, ok := out.(*os.File); ok && f != nil && isTerminal(int(f.Fd())) {
			return consoleWriter(out)
		}
		return out
	default:
		fmt.Fprintf(os.Stderr, "logging: unknown format %q, using json\n", format)
		return out
	}
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}
}
