package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/sharefeed/backend/config"
	httpServer "github.com/adwski/sharefeed/backend/server/http"
	websocketServer "github.com/adwski/sharefeed/backend/server/websocket"
	"github.com/adwski/sharefeed/backend/service"
	"github.com/adwski/sharefeed/backend/storage/disk"
	store "github.com/adwski/sharefeed/backend/storage/memory"
	sw "github.com/adwski/sharefeed/backend/switch"
)

const (
	defaultSessionsDrainTimeout = 5 * time.Second
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	share, err := disk.NewShareDir(disk.Config{
		Logger:        &logger,
		Root:          cfg.ShareDir,
		MaxUploadSize: cfg.MaxUploadSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.ShareDir).Msg("failed to prepare share directory")
	}
	names, err := share.List()
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.ShareDir).Msg("failed to read share directory")
	}

	feed := store.NewFeedStore(cfg.FeedCapacity)
	if skipped := feed.Seed(names); len(skipped) > 0 {
		logger.Warn().Strs("files", skipped).Msg("feed is full, files were not seeded")
	}
	logger.Info().
		Str("dir", share.Root()).
		Int("entries", feed.Len()).
		Msg("feed seeded")

	hub := sw.NewSwitch(&logger, cfg.BroadcastSlots)
	svc := service.NewService(service.Config{
		FeedStore: feed,
		ShareDir:  share,
		Switch:    hub,
		Logger:    &logger,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		FeedService:  svc,
		CheckOrigin:  cfg.OriginChecker(),
		MaxFrameSize: cfg.MaxFrameSize,
		PingInterval: cfg.PingInterval,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		FeedService:    svc,
		Files:          share,
		WebSocket:      wsSrv,
		ListenAddr:     cfg.ListenAddr(),
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go httpSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	// Hijacked websocket connections outlive http.Server.Shutdown,
	// closing the switch ends their sessions.
	hub.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), defaultSessionsDrainTimeout)
	defer drainCancel()
	if err = wsSrv.Wait(drainCtx); err != nil {
		logger.Warn().Err(err).Int("sessions", wsSrv.Active()).Msg("sessions did not finish in time")
	}
}
