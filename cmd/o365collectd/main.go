package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"o365collect/internal/checkpoint"
	"o365collect/internal/collector"
	"o365collect/internal/config"
	"o365collect/internal/dedup"
	"o365collect/internal/office"
	"o365collect/internal/sink"
	"o365collect/internal/supervisor"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to config file (required)")
	publisherID := flag.String("publisher-id", "", "publisher identifier sent to the Management Activity API")
	omsKey := flag.String("oms-key", "", "Azure Log Analytics shared key (or O365COLLECT_OMS_SHARED_KEY)")
	interactive := flag.Bool("interactive", false, "interactive mode (unsupported)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	if *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		return exitConfig
	}
	if *interactive {
		fmt.Fprintln(os.Stderr, "interactive mode is not supported with multi-tenant collection; run as a daemon instead")
		return exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	if !cfg.Enabled {
		log.Info("collector disabled in config, exiting")
		return exitOK
	}

	if err := serve(cfg, *publisherID, *omsKey, log); err != nil {
		log.Error("fatal", "error", err)
		return exitRuntime
	}
	return exitOK
}

func serve(cfg config.Config, publisherID, omsKey string, log *slog.Logger) error {
	workingDir := cfg.Collect.WorkingDir

	cache, err := dedup.Open(workingDir, cfg.Collect.CacheSize)
	if err != nil {
		return fmt.Errorf("open known-blobs cache: %w", err)
	}
	store, err := checkpoint.NewStore(workingDir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	sinks, err := buildSinks(cfg, omsKey)
	if err != nil {
		return err
	}
	mux := sink.NewMultiplexer(sinks...)

	feeds, err := cfg.Feeds()
	if err != nil {
		return err
	}

	httpc := &http.Client{Timeout: 70 * time.Second}
	tokens := office.NewTokenCache(httpc)
	retry := office.DefaultRetryPolicy(cfg.Collect.Retries)

	var collectors []supervisor.TenantCollector
	for _, tenant := range cfg.DomainTenants() {
		client, err := office.NewClient(httpc, tokens, tenant, publisherID, retry, log)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tenant.TenantID, err)
		}
		c := collector.New(tenant, client, cache, store, mux, collector.Options{
			Feeds:            feeds,
			OnlyFutureEvents: cfg.OnlyFutureEvents,
			HoursToCollect:   cfg.Collect.HoursToCollect,
			MaxThreads:       cfg.Collect.MaxThreads,
			MaxBlobSize:      cfg.MaxBlobSize(),
			SkipKnownLogs:    cfg.Collect.SkipKnownLogs,
			DropExpiredBlobs: cfg.Collect.DropExpiredBlobs,
			Filters:          cfg.Collect.Filter,
		}, log)
		client.OnRetry(c.CountRetry)
		collectors = append(collectors, c)
	}

	sup := supervisor.New(collectors, mux, cache, supervisor.Options{
		Interval:     cfg.IntervalDuration(),
		CycleTimeout: time.Duration(cfg.Collect.GlobalTimeout) * time.Minute,
	}, log)

	log.Info("starting collection",
		"tenants", len(collectors),
		"subscriptions", len(feeds),
		"interval", cfg.IntervalDuration(),
	)
	return sup.Run(context.Background())
}

func buildSinks(cfg config.Config, omsKey string) ([]sink.Sink, error) {
	var sinks []sink.Sink
	if f := cfg.Output.File; f != nil {
		sinks = append(sinks, sink.NewFileSink(f.Path, f.SeparateByContentType))
	}
	if fl := cfg.Output.Fluentd; fl != nil {
		s, err := sink.NewFluentdSink(fl.Address, fl.Port, fl.TenantName)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if g := cfg.Output.Graylog; g != nil {
		s, err := sink.NewGraylogSink(g.Address, g.Port)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if o := cfg.Output.AzureLogAnalytics; o != nil {
		if omsKey == "" {
			omsKey = os.Getenv("O365COLLECT_OMS_SHARED_KEY")
		}
		s, err := sink.NewOmsSink(o.WorkspaceID, omsKey)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func newLogger(lc config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	if lc.Debug {
		level = slog.LevelDebug
	}
	var out io.Writer = os.Stderr
	if lc.Path != "" {
		out = &lumberjack.Logger{
			Filename:   lc.Path,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
