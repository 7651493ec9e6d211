package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zabtt/storefront/internal/addressbook"
	"github.com/zabtt/storefront/internal/cart"
	"github.com/zabtt/storefront/internal/config"
	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/internal/kv"
	"github.com/zabtt/storefront/internal/logging"
	"github.com/zabtt/storefront/internal/metrics"
	"github.com/zabtt/storefront/internal/notify"
	"github.com/zabtt/storefront/internal/session"
	"github.com/zabtt/storefront/supabase/client"
)

func main() {
	var (
		envFile     = flag.String("env", ".env", "Path to .env file (optional)")
		configFile  = flag.String("config", "", "Path to YAML config file (optional)")
		metricsAddr = flag.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (empty disables)")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	store, err := openKV(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}

	api, err := client.NewEnhanced(client.EnhancedConfig{
		Config: client.Config{
			URL:               cfg.Supabase.URL,
			APIKey:            cfg.Supabase.AnonKey,
			RequestsPerSecond: cfg.Supabase.RequestsPerSecond,
			HTTPClient:        &http.Client{Timeout: cfg.Supabase.RequestTimeout.Std()},
		},
		RetryConfig:          client.DefaultRetryConfig(),
		CircuitBreakerConfig: client.DefaultCircuitBreakerConfig(),
		EnableResilience:     true,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("supabase client")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	var realtime *client.RealtimeClient
	if cfg.Supabase.Realtime {
		realtime = client.NewRealtimeClient(cfg.Supabase.URL, cfg.Supabase.AnonKey)
		if err := realtime.Connect(startupCtx); err != nil {
			logger.Warn().Err(err).Msg("realtime connect failed, continuing without session events")
			realtime = nil
		}
	}
	startupCancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	sink := notify.LogSink{Logger: logging.Component(logger, "notify")}

	auth := session.NewGotrue(session.GotrueConfig{
		API:        api,
		Realtime:   realtime,
		CodeSource: promptForCode,
	})

	sessions := session.New(session.Config{
		Auth:    auth,
		Watcher: auth,
		KV:      store,
		Logger:  logging.Component(logger, "session"),
		Notify:  sink,
		Metrics: m,
	})

	basket := cart.New(cart.Config{
		KV:      store,
		Logger:  logging.Component(logger, "cart"),
		Notify:  sink,
		Metrics: m,
	})

	addresses := addressbook.New(addressbook.Config{
		Repo:     addressbook.NewSupabaseRepository(api, sessions.AccessToken),
		Identity: sessions,
		Logger:   logging.Component(logger, "addressbook"),
		Notify:   sink,
		Metrics:  m,
	})

	unsubscribe := sessions.OnChange(func(id *domain.Identity) {
		if id == nil {
			logger.Info().Msg("signed out")
			return
		}
		logger.Info().Str("user_id", id.ID).Str("email", id.Email).Msg("signed in")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := sessions.Initialize(ctx); err != nil {
		logger.Warn().Err(err).Msg("session initialization degraded")
	}
	cancel()

	logger.Info().
		Stringer("state", sessions.State()).
		Int("cart_items", len(basket.Items())).
		Msg("storefront ready")

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	unsubscribe()
	addresses.Close()
	sessions.Cleanup()
	if realtime != nil {
		realtime.Disconnect()
	}
}

// openKV picks the persistence backend: Redis when configured, a local
// directory otherwise.
func openKV(cfg *config.Config) (kv.Store, error) {
	if cfg.Storage.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return kv.NewRedisStore(ctx, cfg.Storage.RedisURL, cfg.Storage.Namespace)
	}
	return kv.NewFileStore(cfg.Storage.Dir)
}

// promptForCode asks the operator to complete a federated sign-in in a
// browser and paste the resulting authorization code.
func promptForCode(ctx context.Context, authURL string) (string, error) {
	fmt.Printf("Open the following URL to sign in:\n\n  %s\n\nAuthorization code: ", authURL)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read authorization code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
