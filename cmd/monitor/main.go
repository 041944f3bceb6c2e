package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"riskguard/internal/audit"
	"riskguard/internal/config"
	"riskguard/internal/enforce"
	"riskguard/internal/gateway"
	"riskguard/internal/lockout"
	"riskguard/internal/metrics"
	"riskguard/internal/monitor"
	"riskguard/internal/ratelimit"
	"riskguard/internal/risk"
	"riskguard/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "evaluate and audit without touching the gateway")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if *dryRun {
		cfg.Monitor.DryRun = true
	}

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	creds := gateway.Credentials{
		Username: os.Getenv("RISKGUARD_USERNAME"),
		APIKey:   os.Getenv("RISKGUARD_API_KEY"),
	}
	httpc := &http.Client{Timeout: cfg.Timeout()}
	tokens := gateway.NewTokenSource(cfg.Gateway.BaseURL, creds, httpc, util.Component(log, "auth"))
	if err := tokens.Login(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway login")
	}

	limiter := ratelimit.New(nil)
	client := gateway.NewClient(cfg.Gateway.BaseURL, tokens, limiter, util.Component(log, "gateway"),
		gateway.WithHTTPClient(httpc),
		gateway.WithRetry(cfg.MaxAttempts(), cfg.BackoffBase()),
	)

	locks, err := lockout.NewStore(cfg.Monitor.LockoutDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open lockout store")
	}
	recorder, err := audit.NewRecorder(cfg.Monitor.AuditDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit recorder")
	}
	var history *audit.History
	if cfg.Monitor.HistoryPath != "" {
		history, err = audit.OpenHistory(cfg.Monitor.HistoryPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open violation history")
		}
		defer history.Close()
	}

	brain, err := risk.NewBrain(cfg.Rules)
	if err != nil {
		log.Fatal().Err(err).Msg("compile rules")
	}
	loop, err := monitor.New(monitor.Config{
		Accounts: cfg.Monitor.Accounts,
		Interval: cfg.Interval(),
		DryRun:   cfg.Monitor.DryRun,
		Gateway:  client,
		Brain:    brain,
		Executor: enforce.New(client, locks, util.Component(log, "enforce")),
		Locks:    locks,
		Recorder: recorder,
		History:  history,
		Log:      util.Component(log, "monitor"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build monitor")
	}

	// Rule edits take effect without a restart; invalid edits keep the
	// running rules.
	go func() {
		err := config.Watch(ctx, *configPath, util.Component(log, "config"), func(next *config.Config) {
			if err := loop.UpdateRules(next.Rules); err != nil {
				log.Error().Err(err).Msg("rule reload rejected")
				return
			}
			loop.SetDryRun(next.Monitor.DryRun)
		})
		if err != nil {
			log.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	if err := loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start monitor")
	}
	log.Info().
		Strs("accounts", cfg.Monitor.Accounts).
		Dur("interval", cfg.Interval()).
		Bool("dry_run", cfg.Monitor.DryRun).
		Msg("risk monitor started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("worker did not stop in time")
	}
	log.Info().Interface("status", loop.Status()).Msg("stopped")
}
