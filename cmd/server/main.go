package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/Alexander-D-Karpov/blobfs/internal/config"
	"github.com/Alexander-D-Karpov/blobfs/internal/crypto"
	httpserver "github.com/Alexander-D-Karpov/blobfs/internal/http"
	"github.com/Alexander-D-Karpov/blobfs/internal/logger"
	"github.com/Alexander-D-Karpov/blobfs/internal/server"
	"github.com/Alexander-D-Karpov/blobfs/internal/shm"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(2)
	}
	log := logger.Setup(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("blobfs server starting",
		"listen", cfg.ListenAddr,
		"storage", cfg.StoragePath,
		"backend", cfg.Backend,
		"http", cfg.EnableHTTP,
	)

	if cfg.Backend != "memory" {
		if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o755); err != nil {
			return err
		}
	}

	h, err := store.Open(cfg.Backend, cfg.StoragePath, cfg.Exclusive)
	if err != nil {
		return err
	}

	engine, err := vfs.Open(h, vfs.Options{
		BlockSize:        cfg.BlockSize,
		InodeCount:       cfg.InodeCount,
		InitialBlocks:    cfg.InitialBlocks,
		MaxBlocks:        cfg.MaxBlocks(),
		CheckPermissions: cfg.CheckPermissions,
		UID:              uint32(os.Getuid()),
		GID:              uint32(os.Getgid()),
		Logger:           log.With("component", "vfs"),
	})
	if err != nil {
		h.Close()
		return err
	}
	info := engine.Info()
	log.Info("image mounted",
		"size", humanize.IBytes(uint64(info.Layout.TotalSize())),
		"entries", info.Entries,
		"free", humanize.IBytes(uint64(info.FreeBlocks)*uint64(info.Layout.BlockSize)),
	)

	host := server.NewHost(engine, log.With("component", "host"))
	defer func() {
		if err := host.Close(); err != nil {
			log.Error("closing image", "err", err)
		}
	}()

	sealer, err := crypto.FromPassphrase(cfg.EncryptKey, cfg.EncryptSalt)
	if err != nil {
		return err
	}
	if cfg.AuthToken == "" {
		log.Warn("no auth token configured, every stream session is read-only")
	}

	srv := server.NewServer(host, sealer, cfg.AuthToken, log.With("component", "stream"))
	if err := srv.Start(cfg.ListenAddr); err != nil {
		return err
	}
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shmDone chan error
	if cfg.SHMPath != "" {
		region, err := shm.MapFile(cfg.SHMPath, int(cfg.SHMSize))
		if err != nil {
			return err
		}
		defer region.Close()

		ch, err := shm.NewChannel(region.Bytes(), shm.NewWaiter(cfg.SHMBlocking))
		if err != nil {
			return err
		}
		ch.Reset()
		log.Info("shared-memory channel ready", "path", cfg.SHMPath, "size", humanize.IBytes(cfg.SHMSize))

		shmDone = make(chan error, 1)
		go func() { shmDone <- host.ServeChannel(ctx, ch) }()
		// The region must outlive the serving loop.
		defer func() {
			stop()
			if shmDone != nil {
				<-shmDone
			}
		}()
	}

	if cfg.EnableHTTP {
		httpSrv := httpserver.NewHTTPServer(host, log.With("component", "http"))
		if err := httpSrv.Start(cfg.HTTPAddr); err != nil {
			log.Warn("http browser not started", "err", err)
		} else {
			defer httpSrv.Stop()
		}
	}

	log.Info("server started")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-shmDone:
		shmDone = nil
		if err != nil {
			return err
		}
	}
	return nil
}
