package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftchat/drift-sync/internal/logging"
	"github.com/driftchat/drift-sync/internal/relay"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("drift-relay %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `drift-relay

Usage:
  drift-relay run [flags]
  drift-relay version

Commands:
  run       Run the pairing relay server.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	addr := fs.String("addr", ":4444", "Listen address")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	log := logging.New(os.Stderr, *logFormat, *logLevel)

	hub := relay.NewHub(log)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay failed", "error", err)
			os.Exit(1)
		}
	}
}
