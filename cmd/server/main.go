package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediacore/ratelimit/internal/log"
	"github.com/mediacore/ratelimit/pkg/gate"
	"github.com/mediacore/ratelimit/ratelimit"
)

func HelloHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Hello, World!"))
}

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg := ratelimit.DefaultConfig()
	if *configPath != "" {
		loaded, err := ratelimit.LoadConfig(*configPath)
		if err != nil {
			log.Logger().Fatal("Failed to load config", zap.Error(err))
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Logger().Fatal("Failed to build counter store", zap.Error(err))
	}

	metrics := ratelimit.NewMetrics(prometheus.DefaultRegisterer)
	analytics := ratelimit.NewAnalytics(cfg.Abuse)

	engine, err := ratelimit.NewEngine(cfg, store,
		ratelimit.WithAnalytics(analytics),
		ratelimit.WithMetrics(metrics),
	)
	if err != nil {
		log.Logger().Fatal("Failed to build engine", zap.Error(err))
	}

	if cfg.Abuse.AutoBlock {
		analytics.OnRecommendation(engine.ApplyRecommendation)
	}
	go analytics.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/hello", HelloHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	wrapped := gate.NewHandler(mux, &gate.Config{
		Engine:     engine,
		TrustProxy: cfg.TrustProxy,
		SkipPaths:  cfg.Whitelist.Paths,
	})

	log.Logger().Info("Run a server", zap.String("listen", cfg.Listen))
	if err := http.ListenAndServe(cfg.Listen, wrapped); err != nil {
		log.Logger().Fatal("Failed to serve handler", zap.Error(err))
	}
}

func buildStore(ctx context.Context, cfg *ratelimit.Config) (ratelimit.Store, error) {
	if cfg.Backend != "redis" {
		return ratelimit.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return ratelimit.NewRedisStore(client), nil
}
