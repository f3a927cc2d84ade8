package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftchat/drift-sync/internal/chat"
	"github.com/driftchat/drift-sync/internal/config"
	"github.com/driftchat/drift-sync/internal/device"
	"github.com/driftchat/drift-sync/internal/doccache"
	"github.com/driftchat/drift-sync/internal/httpapi"
	"github.com/driftchat/drift-sync/internal/legacy"
	"github.com/driftchat/drift-sync/internal/lockfile"
	"github.com/driftchat/drift-sync/internal/logging"
	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/pairing"
	"github.com/driftchat/drift-sync/internal/projection"
	"github.com/driftchat/drift-sync/internal/syncdoc"
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
		fmt.Printf("drift-syncd %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `drift-syncd

Usage:
  drift-syncd run [flags]
  drift-syncd version

Commands:
  run       Run the sync daemon: local HTTP API, document replication, pairing.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	dataDir := fs.String("data-dir", "", "Data dir override (default: config or ~/.drift-sync)")
	listen := fs.String("listen", "", "HTTP API address override")
	logFormat := fs.String("log-format", "", "Log format override: json|text")
	logLevel := fs.String("log-level", "", "Log level override: debug|info|warn|error")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := cfg.ResolvedDataDir()
	lock, err := lockfile.AcquireInDir(dataDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return fmt.Errorf("another drift-syncd is already running on %s", dataDir)
		}
		return err
	}
	defer lock.Release()

	identity, err := device.LoadOrCreate(dataDir, cfg.DeviceName)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	log.Info("starting", "device", identity.Label, "actor", identity.ActorID, "data_dir", dataDir)

	notifier := notify.New(log)
	doc := syncdoc.New(identity.ActorID)

	cache, err := doccache.Open(filepath.Join(dataDir, "doc.sqlite"))
	if err != nil {
		return fmt.Errorf("open document cache: %w", err)
	}
	defer cache.Close()

	mirror, restored, err := doccache.StartMirror(ctx, cache, doc, doccache.DefaultDocID, log)
	if err != nil {
		return fmt.Errorf("restore document: %w", err)
	}
	defer mirror.Close()
	log.Info("document ready", "restored_from_cache", restored,
		"chats", doc.Len(syncdoc.CollectionChats))

	// One-time import of the pre-sync local database, if one is present and
	// the document is still empty.
	if _, err := legacy.Hydrate(ctx, filepath.Join(dataDir, "legacy.sqlite"), doc, notifier, log); err != nil {
		return fmt.Errorf("legacy import: %w", err)
	}

	proj, err := projection.Open(filepath.Join(dataDir, "readmodel.sqlite"), log)
	if err != nil {
		return fmt.Errorf("open read model: %w", err)
	}
	defer proj.Close()
	if err := proj.Start(doc); err != nil {
		return fmt.Errorf("start read model: %w", err)
	}

	hostInfo := device.CollectHostInfo(ctx)
	ctrl, err := pairing.New(pairing.Options{
		RelayURL:    cfg.ResolvedSignalingURL(),
		DataDir:     dataDir,
		Doc:         doc,
		Notifier:    notifier,
		Log:         log,
		DeviceLabel: identity.Label,
		Platform:    hostInfo.Platform,
		Hostname:    hostInfo.Hostname,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("restore pairing session: %w", err)
	}

	chats, err := chat.New(chat.Options{Doc: doc, Config: cfg, Notifier: notifier, Log: log})
	if err != nil {
		return err
	}
	defer chats.Close()

	api, err := httpapi.New(httpapi.Options{
		Chats:      chats,
		Pairing:    ctrl,
		Projection: proj,
		Notifier:   notifier,
		Log:        log,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.ResolvedListenAddr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Flush the last debounce window so nothing written in the final
	// moments is lost.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := mirror.Flush(flushCtx); ferr != nil {
		log.Warn("final snapshot flush failed", "error", ferr)
	}

	log.Info("stopped")
	return err
}
