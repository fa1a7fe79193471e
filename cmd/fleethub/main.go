package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleethub/internal/config"
	"fleethub/internal/httpapi"
	"fleethub/internal/hub"
	"fleethub/internal/ingest"
	"fleethub/internal/metrics"
	"fleethub/internal/mqtt"
	"fleethub/internal/registry"
	"fleethub/internal/rules"
	"fleethub/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger := httpapi.NewLogger("info")
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pwdPath, err := mqtt.WritePasswordFile(cfg.DataDir, cfg.MQTT.Username, cfg.MQTT.Password)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to write broker credentials")
	}
	logger.Info().Str("path", pwdPath).Msg("broker credentials written")

	reg := registry.New(registry.BrokerInfo{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
	})
	m := metrics.New()
	h := hub.New(logger, reg, m)

	var ruleStore httpapi.RuleStore
	if cfg.DatabaseURL != "" {
		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer st.Close()

		if err := st.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare rule store schema")
		}
		persisted, err := st.LoadRules(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load persisted rules")
		}
		reg.SeedRules(persisted)
		logger.Info().Int("rules", len(persisted)).Msg("rule store loaded")
		ruleStore = st
	}

	transport := mqtt.Options{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}
	pub := mqtt.NewPublisher(transport)

	ingester := ingest.New(logger, mqtt.NewDialer(transport), reg, h, m, ingest.Options{})
	go ingester.Run(ctx)

	scheduler := rules.New(logger, reg, pub, h, m, rules.Options{})
	go scheduler.Run(ctx)

	api := httpapi.NewHandler(logger, reg, h, pub, ruleStore, m)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("fleethub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
