// stratum-splitter is a dual-pool Stratum v1 mining proxy: it attributes
// each connected miner to one of two upstream pools, forwards jobs and
// shares transparently, and fails the miner over between pools without
// the miner ever needing to reconnect.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tos-network/stratum-splitter/internal/api"
	"github.com/tos-network/stratum-splitter/internal/config"
	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/newrelic"
	"github.com/tos-network/stratum-splitter/internal/notify"
	"github.com/tos-network/stratum-splitter/internal/policy"
	"github.com/tos-network/stratum-splitter/internal/profiling"
	"github.com/tos-network/stratum-splitter/internal/storage"
	"github.com/tos-network/stratum-splitter/internal/supervisor"
	"github.com/tos-network/stratum-splitter/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stratum-splitter v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("stratum-splitter v%s starting", version)

	var redis *storage.RedisClient
	if cfg.Redis.Enabled {
		redis, err = storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			util.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
	}

	policyConfig := policy.DefaultConfig()
	if cfg.Security.MaxConnectionsPerIP > 0 {
		policyConfig.ConnectionLimit = int32(cfg.Security.MaxConnectionsPerIP)
	}
	if cfg.Security.BanThreshold > 0 {
		policyConfig.CheckThreshold = int32(cfg.Security.BanThreshold)
	}
	if cfg.Security.BanDuration > 0 {
		policyConfig.BanTimeout = cfg.Security.BanDuration
	}
	if cfg.Security.RateLimitShares > 0 {
		policyConfig.MaxScore = int32(cfg.Security.RateLimitShares)
	}
	policyServer := policy.NewPolicyServer(policyConfig, redis)
	policyServer.Start()
	defer policyServer.Stop()

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	var nrAgent *newrelic.Agent
	if cfg.Telemetry.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.Telemetry)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	webhookCfg := &notify.WebhookConfig{
		Enabled:      cfg.Notify.DiscordWebhook != "" || cfg.Notify.TelegramToken != "",
		DiscordURL:   cfg.Notify.DiscordWebhook,
		TelegramBot:  cfg.Notify.TelegramToken,
		TelegramChat: cfg.Notify.TelegramChatID,
		ProxyName:    "stratum-splitter",
	}
	notifier := notify.NewNotifier(webhookCfg)

	bus := events.NewBus()
	super := supervisor.New(cfg, bus, notifier, nrAgent, policyServer)
	if err := super.Start(); err != nil {
		util.Fatalf("Failed to start supervisor: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(&cfg.API, super.Pools(), super.DownstreamServer(), super.Scheduler(), bus, policyServer, redis)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("stratum-splitter started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if apiServer != nil {
		apiServer.Stop()
	}
	super.Stop()
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}

	util.Info("stratum-splitter stopped")
}
