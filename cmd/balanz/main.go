package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/charging-platform/balanz/internal/api"
	"github.com/charging-platform/balanz/internal/balanz"
	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/message"
	"github.com/charging-platform/balanz/internal/model"
	ocpp "github.com/charging-platform/balanz/internal/protocol/ocpp16"
	"github.com/charging-platform/balanz/internal/storage"
	"github.com/charging-platform/balanz/internal/transport/websocket"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("balanz %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:         cfg.Log.Level,
		Format:        cfg.Log.Format,
		Output:        cfg.Log.Output,
		Async:         cfg.Log.Async,
		MemoryEntries: cfg.Log.MemoryEntries,
		Components:    cfg.Log.Components,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	mainLog := logger.Component("main")
	mainLog.Info().Str("version", version).
		Bool("local_controller", cfg.LocalControllerMode()).
		Msg("balanz starting")

	audit, err := logger.NewAudit(cfg.History.AuditFile)
	if err != nil {
		mainLog.Error().Err(err).Msg("Failed to open audit file")
		os.Exit(1)
	}

	clk := clock.New()
	store := model.New(cfg, audit)
	if err := store.LoadAll(); err != nil {
		mainLog.Error().Err(err).Msg("Failed to load model state")
		os.Exit(1)
	}

	registry := ocpp.NewRegistry()
	handler := api.New(store, registry, log, clk, version)
	server := websocket.NewServer(cfg, store, registry, handler, clk)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// In CSMS mode one loop per allocation group does the smart charging;
	// a local controller leaves allocation to the upstream CSMS.
	if !cfg.LocalControllerMode() && cfg.Balanz.RunInterval > 0 {
		for _, groupID := range store.AllocationGroupIDs() {
			loop := balanz.NewLoop(groupID, store, registry.ResolveDriver, clk)
			wg.Add(1)
			go func() {
				defer wg.Done()
				loop.Run(ctx)
			}()
		}
		watchdog := balanz.NewWatchdog(store, cfg.CSMS.TransactionInterval, clk)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchdog.Run(ctx)
		}()
	}

	if cfg.Kafka.Enabled {
		producer, err := message.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			mainLog.Error().Err(err).Msg("Failed to initialize Kafka producer")
			os.Exit(1)
		}
		defer producer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			message.Pump(ctx, store.Events(), producer)
		}()
		mainLog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).
			Msg("Kafka event producer started")
	}

	if cfg.Redis.Enabled {
		presence, err := storage.NewRedisPresence(cfg.Redis)
		if err != nil {
			mainLog.Error().Err(err).Msg("Failed to connect to Redis")
			os.Exit(1)
		}
		defer presence.Close()
		keeper := storage.NewKeeper(registry, presence, instanceID(), cfg.Redis.TTL, clk)
		wg.Add(1)
		go func() {
			defer wg.Done()
			keeper.Run(ctx)
		}()
	}

	err = server.Run(ctx)
	stop()
	wg.Wait()
	if err != nil {
		mainLog.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
	mainLog.Info().Msg("balanz stopped")
}

// instanceID identifies this process in the presence registry.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "balanz"
	}
	return host
}
