// Command xenstored runs the local configuration/state registry server:
// it binds a unix socket, accepts client connections, and dispatches
// their requests against an in-memory store, transaction registry, and
// watch registry. Grounded on the teacher's cmd/rdbms/main.go (flag
// parsing, slog.SetDefault, ordered startup/shutdown logging, deferred
// cleanup), adapted from a one-shot REPL/server toggle into a single
// long-running service loop.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leengari/xenstored/internal/conn"
	"github.com/leengari/xenstored/internal/dispatch"
	"github.com/leengari/xenstored/internal/logging"
	"github.com/leengari/xenstored/internal/metrics"
	"github.com/leengari/xenstored/internal/reactor"
	"github.com/leengari/xenstored/internal/store"
	"github.com/leengari/xenstored/internal/tracing"
	"github.com/leengari/xenstored/internal/txn"
	"github.com/leengari/xenstored/internal/watch"
)

const defaultSocketPath = "/var/run/xenstored/socket"

func main() {
	quiet := flag.Bool("q", false, "silence logs below warning level")
	verbose := flag.Bool("v", false, "debug-level logging (giving it more than once has no further effect)")
	veryVerbose := flag.Bool("vv", false, "same level as -v: debug-level logging, including per-request traces")
	socketPath := flag.String("socket", defaultSocketPath, "unix socket path to listen on")
	capacity := flag.Int("slots", conn.DefaultCapacity, "maximum simultaneous connections")
	seqURL := flag.String("seq-url", "", "optional Seq server URL for remote log shipping")
	flag.Parse()

	bootstrap := logging.Bootstrap()
	bootstrap.Info("starting xenstored", "socket", *socketPath)

	logger, libLog, closeLogging := logging.Setup(logging.Options{
		Quiet:   *quiet,
		Verbose: *verbose || *veryVerbose,
		SeqURL:  *seqURL,
	})
	defer closeLogging()
	slog.SetDefault(logger)
	time.Sleep(10 * time.Millisecond)

	slog.Info("logging configured", "quiet", *quiet, "verbose", *verbose)

	if err := os.MkdirAll(filepath.Dir(*socketPath), 0o755); err != nil {
		slog.Error("failed to create socket directory", "error", err)
		os.Exit(1)
	}

	tracerProvider := tracing.NewProvider(logger)
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	st := store.New()
	met, err := metrics.New(st.Generation)
	if err != nil {
		slog.Error("failed to build metric instruments", "error", err)
		os.Exit(1)
	}

	d := &dispatch.Dispatcher{
		Store:   st,
		Txns:    txn.NewList[conn.ID](),
		Watches: watch.NewList[conn.ID](),
		Metrics: met,
		Tracer:  tracerProvider.Tracer("github.com/leengari/xenstored"),
		Log:     libLog,
	}

	rx, err := reactor.New(libLog)
	if err != nil {
		slog.Error("failed to create epoll reactor", "error", err)
		os.Exit(1)
	}
	defer rx.Close()

	onClose := func(id conn.ID) {
		d.Watches.Reset(id)
		d.Txns.Reset(id)
		slog.Debug("connection closed", "conn", id)
	}

	srv, err := conn.Listen(*socketPath, *capacity, rx, libLog, d.Dispatch, onClose)
	if err != nil {
		slog.Error("failed to listen", "socket", *socketPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		slog.Info("shutting down - closing socket", "socket", *socketPath)
		if err := srv.Close(); err != nil {
			slog.Error("server close failed", "error", err)
		}
		if err := os.Remove(*socketPath); err != nil && !os.IsNotExist(err) {
			slog.Error("failed to remove socket file", "error", err)
		}
	}()

	slog.Info("xenstored ready", "socket", *socketPath, "slots", *capacity)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		slog.Info("received signal, shutting down", "signal", s)
		close(stop)
	}()

	if err := rx.Run(stop); err != nil {
		slog.Error("reactor loop exited with error", "error", err)
		os.Exit(1)
	}
}
