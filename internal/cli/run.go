package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/paxcount/device/internal/config"
	"github.com/BrandonDHaskell/paxcount/device/internal/db"
	"github.com/BrandonDHaskell/paxcount/device/internal/deviceapi"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/remote"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/sensor"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/file"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/memory"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/sqlite"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
	"github.com/BrandonDHaskell/paxcount/device/internal/platform/otel"
)

const serviceName = "paxcount-device"

type RunOptions struct {
	*RootOptions

	// Ephemeral keeps everything in memory: ring buffer, token and an
	// in-memory database. Nothing survives a restart.
	Ephemeral bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device control loop and local API",
		Long: `Run the control loop, the local diagnostics API and, when
PAXCOUNT_GRPC_ADDR is set, the gRPC health server.

Example:
  PAXCOUNT_SERVER_URL=http://10.0.0.5:8000 PAXCOUNT_DEVICE_SECRET=... paxcount-device run
  paxcount-device run --ephemeral`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevice(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Ephemeral, "ephemeral", false, "keep all state in memory")

	return cmd
}

func runDevice(ctx context.Context, opts *RunOptions, out io.Writer) error {
	cfg, cfgErr := config.Load()
	logger := log.New(out, "paxcount-device ", log.LstdFlags|log.LUTC)
	if cfgErr != nil {
		logger.Printf("config: %v", cfgErr)
	}
	loc, _ := cfg.Location()

	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.DeviceSerial)
	if err != nil {
		logger.Printf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Stores
	if !opts.Ephemeral {
		lock, err := file.LockDir(cfg.DataDir)
		if errors.Is(err, file.ErrLocked) {
			return err
		}
		if err != nil {
			logger.Printf("data dir lock: %v", err)
		}
		defer lock.Release()
	}
	events := openEventLog(ctx, cfg, opts.Ephemeral, logger)
	defer events.Close()

	var tokens store.TokenStore = file.NewTokenFile(cfg.DataDir)
	if opts.Ephemeral {
		tokens = memory.NewTokenStore()
	}

	journal, trips, closeDB := openDatabase(ctx, cfg, opts.Ephemeral, logger)
	defer closeDB()

	// Services
	client, err := remote.New(remote.Config{
		BaseURL:       cfg.ServerURL,
		APIBasePath:   cfg.APIBasePath,
		ShortTimeout:  cfg.TimeoutShort,
		NormalTimeout: cfg.TimeoutNormal,
		LongTimeout:   cfg.TimeoutLong,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("remote client: %w", err)
	}

	auth := service.NewAuthSession(client, tokens, journal, service.AuthConfig{
		SerialNumber: cfg.DeviceSerial,
		Secret:       cfg.DeviceSecret,
		ExpiryBuffer: cfg.TokenExpiryBuffer,
	}, logger)

	syncer := service.NewSyncCoordinator(events, auth, client, trips, journal, service.SyncConfig{
		BatchSize: cfg.BatchSize,
		Compaction: store.CompactionPolicy{
			HighWater: cfg.CompactThreshold,
			Emergency: cfg.EmergencyThreshold,
		},
	}, logger)

	var link service.LinkMonitor = service.AlwaysUp
	if cfg.WiFiInterface != "" {
		link = service.InterfaceLink{Name: cfg.WiFiInterface}
	}

	health := deviceapi.NewHealthServer()
	sensors := sensor.NewPair()

	loop := service.NewLoop(service.LoopDeps{
		Events:  events,
		Auth:    auth,
		Sync:    syncer,
		Trips:   trips,
		Sensors: sensors,
		Link:    link,
	}, service.LoopConfig{
		Timers: service.Timers{
			Tick:         cfg.TickInterval,
			Sync:         cfg.SyncInterval,
			Price:        cfg.PriceInterval,
			Heartbeat:    cfg.HeartbeatInterval,
			TokenCheck:   cfg.TokenCheckInterval,
			StorageCheck: cfg.StorageCheckInterval,
		},
		DefaultTrip: types.TripConfig{
			TripID:      cfg.TripID,
			BusCapacity: cfg.BusCapacity,
			BasePrice:   cfg.BasePrice,
		},
		Location:        loc,
		MaxForceBatches: cfg.MaxForceBatches,
		OnModeChange:    func(_, to service.Mode) { health.SetMode(to) },
	}, logger)

	pruner := service.NewJournalPruner(journal, service.PrunerConfig{
		RetentionDays: cfg.JournalRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger)
	pruner.Start(ctx)
	defer pruner.Stop()

	// Local API
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := deviceapi.NewServer(deviceapi.Dependencies{
		Logger:  logger,
		Addr:    cfg.HTTPAddr,
		Loop:    loop,
		Sensors: sensors,
		Journal: journal,
	})
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server error: %v", err)
			stop()
		}
	}()

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcSrv := deviceapi.NewGRPCServer(health)
		go func() {
			logger.Printf("grpc health on %s", lis.Addr())
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Printf("grpc server error: %v", err)
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	logger.Printf("device %s starting (env=%s, log=%s)", cfg.DeviceSerial, cfg.Env, events.Stats().Backend)
	err = loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		logger.Printf("shutting down")
		return nil
	}
	return err
}

// openEventLog opens the durable log, falling back to the memory ring when
// the data directory is unusable so detections are still buffered.
func openEventLog(ctx context.Context, cfg config.Config, ephemeral bool, logger *log.Logger) store.EventLog {
	if !ephemeral {
		l, err := file.Open(ctx, file.Options{
			Dir:            cfg.DataDir,
			Capacity:       cfg.MaxEvents,
			CopyBufferSize: cfg.CopyBufferSize,
			Logger:         logger,
		})
		if err == nil {
			return l
		}
		logger.Printf("event log unavailable, buffering %d events in memory: %v", cfg.MemoryBufferSize, err)
	}
	return memory.NewRing(cfg.MemoryBufferSize)
}

// openDatabase returns the sqlite-backed journal and trip cache, or memory
// versions when the database cannot be opened.
func openDatabase(ctx context.Context, cfg config.Config, ephemeral bool, logger *log.Logger) (store.SyncJournal, store.TripConfigStore, func()) {
	path := cfg.DBPath
	if ephemeral {
		path = db.MemoryPath
	}

	sqlDB, err := db.Open(ctx, db.Config{Path: path, Env: cfg.Env})
	if err != nil {
		logger.Printf("database unavailable, journal kept in memory: %v", err)
		return memory.NewSyncJournal(), memory.NewTripConfigStore(), func() {}
	}

	if cfg.Env == "dev" {
		if err := db.SeedTripConfig(ctx, sqlDB, cfg.TripID, 0, cfg.BusCapacity, cfg.BasePrice); err != nil {
			logger.Printf("seed trip config: %v", err)
		}
	}

	writer := db.NewWorker(sqlDB, 64)
	closeFn := func() {
		writer.Close()
		_ = sqlDB.Close()
	}
	return sqlite.NewSyncJournal(sqlDB, writer), sqlite.NewTripConfigStore(sqlDB, writer), closeFn
}
