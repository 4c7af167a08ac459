package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/config"
	"github.com/branchops/fleetd/internal/dispatch"
	"github.com/branchops/fleetd/internal/event"
	"github.com/branchops/fleetd/internal/fleet"
	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/internal/registry"
	"github.com/branchops/fleetd/internal/scanhub"
	"github.com/branchops/fleetd/internal/server"
	"github.com/branchops/fleetd/internal/store"
	"github.com/branchops/fleetd/internal/sweep"
	"github.com/branchops/fleetd/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Short())
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("fleetd starting", zap.String("version", version.Version))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := store.New(cfg.GetString("storage.path"))
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer db.Close()

	bus := event.NewBus(logger.Named("bus"))
	notifier := notify.NewBusNotifier(bus, "fleetd")

	// Modules are composed at compile time and cross-wired through narrow
	// interfaces: fleet owns devices, dispatch owns commands, sweep and
	// scanhub consume the fleet registry.
	fleetMod := fleet.New(db, bus)
	dispatchMod := dispatch.New(db, bus)
	sweepMod := sweep.New(db, bus)
	scanhubMod := scanhub.New(db, bus)

	dispatchMod.SetDirectory(fleetMod)
	dispatchMod.SetNotifier(notifier)
	sweepMod.SetRegistry(fleetMod)
	scanhubMod.SetDirectory(fleetMod)
	scanhubMod.SetNotifier(notifier)

	reg := registry.New(logger)
	if err := reg.Register(fleetMod); err != nil {
		logger.Fatal("failed to register fleet module", zap.Error(err))
	}
	if err := reg.Register(dispatchMod); err != nil {
		logger.Fatal("failed to register dispatch module", zap.Error(err))
	}
	if err := reg.Register(sweepMod); err != nil {
		logger.Fatal("failed to register sweep module", zap.Error(err))
	}
	if err := reg.Register(scanhubMod); err != nil {
		logger.Fatal("failed to register scanhub module", zap.Error(err))
	}

	if err := reg.InitAll(cfg); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}

	// Dispatch's queue exists only after Init; wire the heartbeat piggy-back
	// and delete guard now.
	fleetMod.SetCommandSource(dispatchMod.Queue())
	fleetMod.SetCommandGuard(dispatchMod.Queue())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.GetString("server.host"), cfg.GetInt("server.port"))
	opts := server.Options{}
	if cfg.GetBool("auth.enabled") {
		opts.AuthSecret = cfg.GetString("auth.jwt_secret")
		if opts.AuthSecret == "" {
			logger.Fatal("auth.enabled requires auth.jwt_secret")
		}
	}
	srv := server.New(addr, reg, logger.Named("http"), opts)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("fleetd ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	reg.StopAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("fleetd stopped")
}
