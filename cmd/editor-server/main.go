// Command editor-server runs the collaborative markdown document server:
// websocket rooms, snapshot persistence and the optional cross-instance
// relay over redis.
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

	"github.com/google/uuid"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/config"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/docstore"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/hub"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

const shutdownGrace = 10 * time.Second

func openStore(ctx context.Context, cfg config.Storage) (docstore.Store, error) {
	switch cfg.Backend {
	case "pebble":
		return docstore.OpenPebble(cfg.Path)
	case "postgres":
		return docstore.OpenPostgres(ctx, cfg.Postgres)
	case "memory":
		return docstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to a TOML configuration file")
	listenFlag := flag.String("listen", "", "listen address, overrides the config file")
	loglevelFlag := flag.String("loglevel", "", "log level: debug, info, warn or error")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}
	if *loglevelFlag != "" {
		cfg.Log.Level = *loglevelFlag
	}

	level, err := utils.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := utils.NewDefaultLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	instance := uuid.NewString()
	ctx = utils.WithDefaultArgs(ctx, "instance", instance)

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()
	log.InfoCtx(ctx, "server: store ready", "backend", cfg.Storage.Backend)

	var bus hub.Bus
	if cfg.Relay.Redis != "" {
		rb, err := hub.NewRedisBus(ctx, log, cfg.Relay.Redis, instance)
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		defer rb.Close()
		bus = rb
		log.InfoCtx(ctx, "server: relay connected", "addr", cfg.Relay.Redis)
	}

	h, err := hub.New(log, store, bus, hub.Options{
		Instance:       instance,
		MaxConns:       cfg.Server.MaxConns,
		MaxConnsPerDoc: cfg.Server.MaxConnsPerDoc,
		SaveDebounce:   cfg.Limits.SaveDebounce.Duration,
		CacheDocs:      cfg.Limits.CacheDocs,
		CacheMaxBytes:  int(cfg.Limits.CacheMaxBytes),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: h.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		log.InfoCtx(ctx, "server: listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.InfoCtx(ctx, "server: shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// The hub goes first: draining the rooms checkpoints every document and
	// closes the websockets, which the http shutdown would wait on forever.
	if err := h.Shutdown(sctx); err != nil {
		log.WarnCtx(ctx, "server: hub shutdown", "err", err)
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.WarnCtx(ctx, "server: http shutdown", "err", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
