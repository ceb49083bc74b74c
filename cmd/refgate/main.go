package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refgate/gateway/internal/config"
	"refgate/gateway/internal/httputil"
	"refgate/gateway/internal/lockout"
	"refgate/gateway/internal/metrics"
	"refgate/gateway/internal/ocr"
	"refgate/gateway/internal/proxy"
	"refgate/gateway/internal/rate"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides REFGATE_CONFIG env var)")
	flag.Parse()

	// A local .env file supplies environment variables in development.
	// Missing file is the normal production case.
	godotenv.Load()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("REFGATE_CONFIG")
	}
	if cfgPath != "" {
		if _, err := os.Stat(cfgPath); err != nil {
			log.Fatal().Err(err).Str("path", cfgPath).Msg("config file not readable")
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("upstream", cfg.Upstream.URL).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Bool("kill_switch", cfg.KillSwitch).
		Str("log_level", cfg.Logging.Level).
		Msg("server configuration")
	log.Info().
		Int("lockout_threshold", cfg.Lockout.Threshold).
		Int("lockout_duration_sec", cfg.Lockout.DurationSec).
		Int("rate_limit_rpm", cfg.RateLimit.RPM).
		Bool("rate_limit_fail_open", cfg.RateLimit.FailOpen).
		Msg("abuse controls")
	log.Info().
		Bool("ocr_configured", cfg.OCR.APIKey != "").
		Msg("feature flags")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// Connectivity is probed but not required at startup: the stores
	// degrade per request and Redis may come up after the gateway.
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	} else {
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}
	cancel()

	machine := lockout.NewMachine(lockout.NewRedisStore(rdb), cfg.Lockout.Threshold, cfg.LockoutDuration())

	var limiter rate.Limiter
	if cfg.RateLimit.RPM > 0 {
		limiter = rate.NewRedisLimiter(rdb, cfg.RateLimit.RPM, time.Minute)
	} else {
		log.Warn().Msg("per-IP rate limiting disabled (RATE_LIMIT_RPM=0)")
		limiter = rate.NoopLimiter{}
	}

	ocrClient := ocr.NewClient(cfg.OCR.APIKey, cfg.OCR.BaseURL)
	if !ocrClient.Configured() {
		log.Warn().Msg("MISTRAL_API_KEY not set; /ocr will answer 503")
	}

	gateway := proxy.NewHandler(cfg, machine, limiter, ocrClient)

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	// The gateway is the server handler directly: ServeMux path cleaning
	// would 301 away the raw "//" and ".." shapes the path-safety check
	// must see and reject.
	handler := httputil.RequestIDMiddleware(log.Logger)(gateway)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("refgate listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close error")
		}

		log.Info().Msg("shutdown complete")
	}
}
