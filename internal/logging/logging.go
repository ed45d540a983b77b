// Package logging wires up process-wide structured logging. Adapted from
// the teacher's internal/logging/logging.go multiHandler fan-out, with a
// verbosity-flag-driven console sink, a zap sink (via zap's own
// exp/zapslog bridge) for anything that already holds a *zap.Logger
// reference, a Seq sink for querying past runs, and a logr.Logger view
// over the same fan-out so library code that only knows about logr
// (rather than slog) still reaches every sink.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	slogseq "github.com/sokkalf/slog-seq"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// multiHandler forwards log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Options configures Setup. Quiet and Verbose mirror the cmd/xenstored
// -q/-v flags; SeqURL is empty to disable the Seq sink outright (as
// opposed to it being unreachable, which Setup tolerates silently).
type Options struct {
	Quiet   bool
	Verbose bool
	SeqURL  string
}

func (o Options) level() slog.Level {
	switch {
	case o.Quiet:
		return slog.LevelWarn
	case o.Verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zapcore.ErrorLevel
	case l >= slog.LevelWarn:
		return zapcore.WarnLevel
	case l >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Setup builds the process-wide slog.Logger and a logr.Logger view over
// the same handler chain, and returns a cleanup func to flush the Seq
// sink on shutdown.
func Setup(opts Options) (*slog.Logger, logr.Logger, func()) {
	level := opts.level()

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	zapCfg.OutputPaths = []string{"stderr"}
	zapLogger, err := zapCfg.Build()
	if err != nil {
		zapLogger = zap.NewNop()
	}
	zap.ReplaceGlobals(zapLogger)

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		zapslog.NewHandler(zapLogger.Core()),
	}

	closeFn := func() {}
	if opts.SeqURL != "" {
		_, seqHandler := slogseq.NewLogger(
			opts.SeqURL,
			slogseq.WithBatchSize(20),
			slogseq.WithFlushInterval(500*time.Millisecond),
			slogseq.WithHandlerOptions(&slog.HandlerOptions{Level: level}),
		)
		if seqHandler != nil {
			handlers = append(handlers, seqHandler)
			closeFn = func() { seqHandler.Close() }
		}
	}

	logger := slog.New(&multiHandler{handlers: handlers})
	return logger, logr.FromSlogHandler(logger.Handler()), closeFn
}

// Bootstrap returns a plain stdr-backed logr.Logger for use before Setup
// has run, such as the startup message cmd/xenstored logs once flags are
// parsed.
func Bootstrap() logr.Logger {
	return stdr.New(nil)
}
