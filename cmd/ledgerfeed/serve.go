package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/explorer"
	"github.com/tarancss/ledgerfeed/explorer/multiplex"
	"github.com/tarancss/ledgerfeed/gateway"
	"github.com/tarancss/ledgerfeed/lib/cache"
	cachemem "github.com/tarancss/ledgerfeed/lib/cache/memory"
	cacheredis "github.com/tarancss/ledgerfeed/lib/cache/redis"
	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/ledger"
	"github.com/tarancss/ledgerfeed/lib/logger"
	"github.com/tarancss/ledgerfeed/lib/msg"
	"github.com/tarancss/ledgerfeed/lib/msg/amqp"
	msgmem "github.com/tarancss/ledgerfeed/lib/msg/memory"
	msgredis "github.com/tarancss/ledgerfeed/lib/msg/redis"
	"github.com/tarancss/ledgerfeed/lib/ratelimit"
	rlmem "github.com/tarancss/ledgerfeed/lib/ratelimit/memory"
	rlredis "github.com/tarancss/ledgerfeed/lib/ratelimit/redis"
	"github.com/tarancss/ledgerfeed/lib/store"
	"github.com/tarancss/ledgerfeed/lib/store/db"
)

const (
	cachePrefix   = "ledgerfeed:cache"
	limiterPrefix = "ledgerfeed:rl"
	amqpRetry     = 10 * time.Second
)

// loadConfig reads and validates the configuration named by the config flag.
func loadConfig(ctx *cli.Context) (config.ServiceConfig, error) {
	conf, err := config.ExtractConfiguration(ctx.String("config"))
	if err != nil {
		return conf, err
	}

	return conf, conf.Validate()
}

func printConfig(ctx *cli.Context) error {
	conf, err := loadConfig(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}

	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "    ")

	if err = enc.Encode(conf); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}

// closer releases a backend when the service stops.
type closer struct {
	name string
	c    interface{ Close() error }
}

func newCache(conf config.ServiceConfig) (cache.Cache, error) {
	if conf.CacheType == config.Redis {
		return cacheredis.New(conf.CacheConn, cachePrefix)
	}

	return cachemem.New(), nil
}

func newLimiter(conf config.ServiceConfig) (ratelimit.Limiter, error) {
	// the limiter shares the cache's redis server
	if conf.CacheType == config.Redis {
		return rlredis.New(conf.CacheConn, limiterPrefix)
	}

	return rlmem.New(), nil
}

func newBus(conf config.ServiceConfig, log *zap.Logger) (msg.Bus, error) {
	switch conf.MbType {
	case config.Redis:
		return msgredis.New(conf.MbConn, conf.MbChannel, log)
	case config.AMQP:
		mb, err := amqp.New(conf.MbConn, conf.MbChannel, log)
		if err != nil {
			log.Warn("broker not ready, retrying", zap.Duration("in", amqpRetry), zap.Error(err))
			time.Sleep(amqpRetry)

			if mb, err = amqp.New(conf.MbConn, conf.MbChannel, log); err != nil {
				return nil, err
			}
		}

		if err = mb.Setup(); err != nil {
			_ = mb.Close()

			return nil, err
		}

		return mb, nil
	}

	return msgmem.New(log), nil
}

func serve(ctx *cli.Context) error {
	conf, err := loadConfig(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}

	log, err := logger.New(conf.LogLevel, false)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("configuration loaded", zap.String("network", conf.Network), zap.String("dbtype", conf.DbType),
		zap.String("mbtype", conf.MbType), zap.String("cachetype", conf.CacheType))

	var closers []closer

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				log.Warn("closing backend", zap.String("backend", closers[i].name), zap.Error(err))
			}
		}
	}()

	// connect to database
	var dbConn store.DB
	if dbConn, err = db.New(conf.DbType, conf.DbConn, log); err != nil {
		return cli.Exit(fmt.Errorf("database: %w", err), 1)
	}

	closers = append(closers, closer{"db", dbConn})

	timeout := config.Millis(conf.BackendTimeout)

	c, err := newCache(conf)
	if err != nil {
		return cli.Exit(fmt.Errorf("cache: %w", err), 1)
	}

	cg := cache.NewGuarded(c, timeout, log)
	closers = append(closers, closer{"cache", cg})

	l, err := newLimiter(conf)
	if err != nil {
		return cli.Exit(fmt.Errorf("rate limiter: %w", err), 1)
	}

	lg := ratelimit.NewGuarded(l, timeout, log)
	closers = append(closers, closer{"ratelimit", lg})

	bus, err := newBus(conf, log)
	if err != nil {
		return cli.Exit(fmt.Errorf("broadcast bus: %w", err), 1)
	}

	closers = append(closers, closer{"bus", bus})

	// ledger connection and the subscriptions multiplexed on it
	mgr := ledger.New(conf.Networks, nil, log)
	mux := multiplex.New(mgr, log)
	mgr.SetHooks(mux)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	e := explorer.New(mgr, mux, cg, bus, dbConn, explorer.Options{
		Network:  conf.Network,
		Networks: conf.Networks,
		CacheTTL: config.Millis(conf.CacheTTL),
		Timeout:  timeout,
	}, log.Named("explorer"))

	if err = e.Start(runCtx); err != nil {
		return cli.Exit(fmt.Errorf("explorer: %w", err), 1)
	}

	explored := make(chan struct{})

	go func() {
		e.Run(runCtx)
		close(explored)
	}()

	gw, err := gateway.New(mgr, mux, e, bus, lg, gateway.Options{
		SessionBuffer: conf.SessionBuffer,
		Overflow:      conf.Overflow,
		RateLimit:     conf.RateLimit,
		RateWindow:    config.Millis(conf.RateWindow),
	}, log.Named("gateway"))
	if err != nil {
		return cli.Exit(fmt.Errorf("gateway: %w", err), 1)
	}

	if err = gw.Start(runCtx); err != nil {
		return cli.Exit(fmt.Errorf("gateway: %w", err), 1)
	}

	// load Prometheus monitor
	if ctx.Bool("metrics") {
		go serveMetrics(conf.MetricsPort, log)
	}

	if conf.Network != "" {
		if err = mgr.Connect(conf.Network); err != nil {
			log.Error("cannot connect at startup", zap.String("network", conf.Network), zap.Error(err))
		}
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed, shutting down")
		gw.Stop()
		mgr.Close()
		stop()
	}()

	log.Info(gw.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	// cursors are saved by the explorer on its way out
	stop()
	<-explored

	return nil
}

func serveMetrics(port string, log *zap.Logger) {
	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: h, ReadHeaderTimeout: 15 * time.Second}

	log.Info("serving metrics API", zap.String("addr", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", zap.Error(err))
	}
}
