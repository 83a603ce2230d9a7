// Command matching-engine is the process entrypoint: it wires config
// into an event bus, the OrderBook/SessionPool/RuleEngine, the Matcher,
// and IngressHandlers, serves Prometheus metrics over HTTP, and drives
// shutdown via signal.NotifyContext + a tomb.Tomb — the same shape as
// the teacher's cmd/main.go, generalized from a bare func main into a
// cobra command so config flags/env/file resolve the way
// github.com/spf13/viper expects.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	tomb "gopkg.in/tomb.v2"

	"github.com/blockpal1/attention-matching-engine/internal/book"
	"github.com/blockpal1/attention-matching-engine/internal/config"
	"github.com/blockpal1/attention-matching-engine/internal/eventbus"
	"github.com/blockpal1/attention-matching-engine/internal/ingress"
	"github.com/blockpal1/attention-matching-engine/internal/matcher"
	"github.com/blockpal1/attention-matching-engine/internal/metrics"
	"github.com/blockpal1/attention-matching-engine/internal/pool"
	"github.com/blockpal1/attention-matching-engine/internal/rules"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "matching-engine",
		Short: "Real-time attention-market matching engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("matching-engine exited with error")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var bus eventbus.Bus
	if cfg.EventBus.RedisAddr != "" {
		log.Info().Str("addr", cfg.EventBus.RedisAddr).Msg("connecting to redis event bus")
		bus = eventbus.NewRedisBus(cfg.EventBus.RedisAddr)
	} else {
		log.Warn().Msg("no redis address configured, using in-memory event bus")
		bus = eventbus.NewMemoryBus()
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus")
		}
	}()

	reg := prometheus.NewRegistry()
	matcherMetrics := metrics.NewMatcher(reg)

	b := book.New()
	p := pool.New(cfg.SessionPool.HeartbeatTimeout)
	r := rules.New(cfg.Rules)
	pub := eventbus.NewPublisher(bus, cfg.EventBus.MaxLenApprox)

	mt := matcher.New(b, p, r, pub, cfg.Matcher, matcherMetrics, nil)
	handlers := ingress.New(bus, mt, cfg.ConsumerID)

	t, ctx := tomb.WithContext(ctx)

	t.Go(func() error {
		return mt.Run(t, ctx)
	})
	t.Go(func() error {
		return handlers.Run(t, ctx)
	})

	httpSrv := &http.Server{
		Addr:    cfg.Metrics.ListenAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	t.Go(func() error {
		log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("serving metrics")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info().Msg("matching engine running")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")
	t.Kill(nil)
	return t.Wait()
}
