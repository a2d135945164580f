package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chainflow/config"
	"chainflow/internal/channel"
	"chainflow/internal/engine"
	"chainflow/internal/metrics"
	"chainflow/internal/reader"
	"chainflow/internal/refdata"
	"chainflow/internal/registry"
	"chainflow/internal/state"
	"chainflow/internal/writer"
	"chainflow/logger"
	"chainflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	transformsPath := flag.String("transforms", "config/transforms.yml", "Path to transform catalog file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Chainflow.Name,
		"version":     cfg.Chainflow.Version,
		"environment": env,
	}).Info("starting chainflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Logging.Report {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.CloudWatch.Enabled && config.IsProductionLike(env) {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	metrics.Init(cfg.Metrics.PrometheusAddr)

	catalog, err := config.LoadTransforms(*transformsPath)
	if err != nil {
		log.WithError(err).Error("failed to load transform catalog")
		os.Exit(1)
	}
	reg, err := registry.New(catalog)
	if err != nil {
		log.WithError(err).Error("invalid transform catalog")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"pipeline":   reg.Pipeline(),
		"transforms": reg.Len(),
	}).Info("transform catalog loaded")

	store, err := state.NewStore(state.Config{
		Partitions:     cfg.Engine.Workers,
		Timeframes:     reg.Timeframes(),
		RollingWindows: reg.RollingWindows(),
		LateTolerance:  cfg.Engine.LateTolerance,
	})
	if err != nil {
		log.WithError(err).Error("failed to build state store")
		os.Exit(1)
	}

	wal, err := state.OpenWAL(cfg.State.Dir, cfg.State.WALBuffer, cfg.State.WALFlushInterval, log)
	if err != nil {
		log.WithError(err).Error("failed to open write-ahead log")
		os.Exit(1)
	}

	channels := channel.NewChannels(
		cfg.Channels.EventBuffer,
		cfg.Channels.DerivedBuffer,
	)
	if cfg.Metrics.ChannelSize {
		go metrics.StartChannelSizeMetrics(ctx, channels, 10*time.Second)
	}

	var refProvider refdata.Provider
	if cfg.Refdata.Source != "" {
		refProvider = &refdata.FileProvider{Path: cfg.Refdata.Source}
	}
	ref := refdata.NewService(cfg.Refdata, refProvider, log)
	if refProvider != nil {
		if err := ref.Start(ctx); err != nil {
			log.WithError(err).Warn("reference data unavailable, enrichment degrades to bare trades")
		}
	}

	eng, err := engine.New(cfg, reg, store, wal, channels, ref)
	if err != nil {
		log.WithError(err).Error("failed to build engine")
		os.Exit(1)
	}

	// Rebuild state from the last snapshot plus the WAL tail before any
	// new event flows. Recovered offsets tell the bus reader where to
	// skip to.
	res, err := state.Recover(store, cfg.State.Dir, cfg.State.RecoveryBudget, eng.Replay, log)
	if err != nil {
		log.WithError(err).Error("state recovery failed")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"snapshot_found": res.SnapshotFound,
		"replayed":       res.Replayed,
		"skipped":        res.Skipped,
		"elapsed":        res.Elapsed.String(),
	}).Info("state recovered")

	wal.Start(ctx)

	checkpointer := state.NewCheckpointer(store, wal, cfg.State, state.CheckpointHooks{
		OnSuccess: func(d time.Duration, seq uint64) { metrics.ObserveCheckpoint(d.Seconds()) },
		OnError:   metrics.IncrementCheckpointError,
		OnDegraded: func(degraded bool) {
			metrics.SetDegraded(degraded)
		},
	}, log)
	if err := checkpointer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start checkpointer")
		os.Exit(1)
	}

	tracker := reader.NewTracker()
	eng.SetAck(func(so models.SourceOffset) {
		tracker.Ack(fmt.Sprintf("%s/%d", so.Topic, so.Partition), so.Offset)
	})

	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	busReader := reader.NewBusReader(cfg, channels, tracker, res.Offsets)
	if err := busReader.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start bus reader")
		os.Exit(1)
	}

	var busWriter *writer.BusWriter
	if cfg.Bus.Output.Enabled {
		busWriter = writer.NewBusWriter(cfg, channels.Bus)
		if err := busWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start bus writer")
			os.Exit(1)
		}
	}

	var sinkWriter *writer.SinkWriter
	if cfg.Sink.ClickHouse.Enabled {
		storage, err := writer.NewClickHouseStorage(cfg.Sink.ClickHouse.DSN)
		if err != nil {
			log.WithError(err).Error("failed to connect to analytics sink")
			os.Exit(1)
		}
		sinkWriter = writer.NewSinkWriter(cfg, channels.Sink, storage)
		if err := sinkWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start sink writer")
			os.Exit(1)
		}
	}

	var archiveWriter *writer.ArchiveWriter
	if cfg.Archive.S3.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(cfg, channels.Archive)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	// Shutdown runs upstream to downstream so every stage drains into a
	// still-running consumer: stop ingest, drain workers, drain egress,
	// then take the final checkpoint.
	log.Info("starting graceful shutdown")

	log.Info("stopping bus reader")
	busReader.Stop()

	channels.CloseEvents()

	log.Info("draining engine")
	eng.Stop()

	channels.CloseDerived()

	if busWriter != nil {
		log.Info("stopping bus writer")
		busWriter.Stop()
	}
	if sinkWriter != nil {
		log.Info("stopping sink writer")
		sinkWriter.Stop()
	}
	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	log.Info("taking final checkpoint")
	if err := checkpointer.Stop(); err != nil {
		log.WithError(err).Warn("final checkpoint failed")
	}
	if err := wal.Stop(); err != nil {
		log.WithError(err).Warn("failed to flush write-ahead log")
	}

	ref.Stop()
	cancel()

	log.Info("chainflow stopped")
}
