package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/admin"
	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/checkpoint"
	"github.com/maxpert/tailbridge/extractor"
	"github.com/maxpert/tailbridge/notify"
	"github.com/maxpert/tailbridge/pipeline"
	"github.com/maxpert/tailbridge/publisher"
	_ "github.com/maxpert/tailbridge/publisher/sink"
	"github.com/maxpert/tailbridge/source"
	"github.com/maxpert/tailbridge/stats"
	"github.com/maxpert/tailbridge/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("tailbridge - table change capture to message broker")
	cfg.Config.Print()

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("type", cfg.Config.Source.Type).Msg("Opening row source")
	src, err := source.Open(ctx, cfg.Config.Source)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open row source")
		return
	}
	defer closeQuietly("row source", src.Close)

	log.Info().Str("type", cfg.Config.Sink.Type).Msg("Creating sink")
	sink, err := publisher.CreateSink(cfg.Config.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink")
		return
	}

	pubConfig := publisher.Config{
		Topic:          cfg.Config.Sink.Topic,
		MaxRetries:     cfg.Config.Sink.MaxPublishRetries,
		PublishTimeout: cfg.Config.Sink.PublishTimeout(),
	}
	if cfg.Config.Sink.Ordering {
		pubConfig.OrderingAttribute = extractor.AttrRowID
	}
	pub, err := publisher.New(sink, pubConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create publisher")
		return
	}
	defer closeQuietly("publisher", pub.Close)

	store, err := checkpoint.OpenPebble(cfg.Config.DataDir, cfg.Config.Source.TablePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open checkpoint store")
		return
	}
	defer closeQuietly("checkpoint store", store.Close)

	ext, err := extractor.New(extractor.ConfigFrom(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create extractor")
		return
	}

	collector := stats.NewCollector(cfg.Config.Stats.WindowSize)
	collector.Start()
	defer collector.Stop()

	hub := notify.NewHub()

	p, err := pipeline.New(ctx, pipeline.Dependencies{
		Source:    src,
		Store:     store,
		Extractor: ext,
		Publisher: pub,
		Stats:     collector,
		Hub:       hub,
	}, pipeline.ConfigFrom(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pipeline")
		return
	}

	reportInterval := time.Duration(cfg.Config.Stats.ReportIntervalS) * time.Second
	reporter := stats.NewReporter(collector, stats.NewLogSink(), reportInterval, cfg.Config.Stats.ReportEvery, hub)
	reporter.Start()
	defer reporter.Stop()

	if cfg.Config.Prometheus.Enabled {
		metricsCollector := telemetry.NewMetricsCollector(p, 10*time.Second)
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	if cfg.Config.Admin.Enabled {
		server := startAdminServer(p)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Str("table_path", cfg.Config.Source.TablePath()).
		Str("topic", cfg.Config.Sink.Topic).
		Msg("tailbridge started")

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Pipeline stopped with error")
	}

	ts, ok := p.Checkpoint()
	event := log.Info()
	if ok {
		event = event.Str("checkpoint", source.CanonicalTimestamp(ts))
	}
	event.Msg("tailbridge stopped")
}

func startAdminServer(p *pipeline.Pipeline) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(p), telemetry.GetMetricsHandler(), cfg.Config.Admin.Secret)

	addr := net.JoinHostPort(cfg.Config.Admin.Address, strconv.Itoa(cfg.Config.Admin.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", addr).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	return server
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn().Err(err).Str("component", name).Msg("Close failed")
	}
}
