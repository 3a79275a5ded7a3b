// Command zaku-server runs the Zaku task-queue server: a websocket
// transport in front of the queue engine and pub/sub fabric, backed by
// Redis, with a reaper sweeping expired claims and a Prometheus metrics
// endpoint alongside. Flags override the equivalent pkg/config
// environment variables.
//
// Usage:
//
//	go run ./cmd/zaku-server --port 9000 --redis-addr 127.0.0.1:6379
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geyang/zaku/pkg/config"
	"github.com/geyang/zaku/pkg/logger"
	"github.com/geyang/zaku/pkg/metrics"
	"github.com/geyang/zaku/pkg/pubsub"
	"github.com/geyang/zaku/pkg/queue"
	"github.com/geyang/zaku/pkg/reaper"
	"github.com/geyang/zaku/pkg/store/redisstore"
	"github.com/geyang/zaku/pkg/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "zaku-server:", err)
		os.Exit(1)
	}

	host := flag.String("host", cfg.Host, "bind host")
	port := flag.Int("port", cfg.Port, "bind port")
	freePort := flag.Bool("free-port", cfg.FreePort, "kill whatever process is already listening on --port before binding")
	verbose := flag.Bool("verbose", cfg.Verbose, "enable debug-level logging")
	redisAddr := flag.String("redis-addr", cfg.RedisAddr, "backing-store address")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address")
	flag.Parse()

	cfg.Host, cfg.Port, cfg.Verbose, cfg.RedisAddr, cfg.MetricsAddr = *host, *port, *verbose, *redisAddr, *metricsAddr
	cfg.FreePort = *freePort

	log := logger.New(cfg.Verbose, true)

	st := redisstore.New(cfg.RedisAddr, cfg.RedisPass, cfg.Prefix)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("zaku-server: backing store unreachable")
	}

	reg := metrics.New(prometheus.DefaultRegisterer)
	engine := queue.NewEngine(st)
	fabric := pubsub.New()
	srv := transport.NewServer(engine, fabric, log, reg, cfg.AuthUser, cfg.AuthKey)

	sweep := reaper.New(st, cfg.ReapInterval, log, reg)
	go sweep.Run(ctx)

	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("zaku-server: metrics listening")
		if err := metrics.Serve(cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("zaku-server: metrics server failed")
		}
	}()

	listenAddr := cfg.Addr()
	if cfg.FreePort {
		if err := killPriorPortHolder(cfg.Port); err != nil {
			log.Warn().Err(err).Int("port", cfg.Port).Msg("zaku-server: --free-port: could not vacate prior holder, binding anyway")
		}
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", listenAddr).Msg("zaku-server: failed to bind")
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("zaku-server: listening")

	httpSrv := &http.Server{Handler: srv.Handler()}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("zaku-server: server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("zaku-server: shutting down")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
}
