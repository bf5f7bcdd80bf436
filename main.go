package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/aggregation"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/formatting"
	promclient "github.com/spooky-finn/go-cryptomarkets-depthview/infrastructure/prometheus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/static"
	"github.com/spooky-finn/go-cryptomarkets-depthview/registry"
	"github.com/spooky-finn/go-cryptomarkets-depthview/rpc"
	"github.com/spooky-finn/go-cryptomarkets-depthview/usecase"
)

const (
	shutdownTimeout     = 10 * time.Second
	syntheticDepthEvery = 250 * time.Millisecond
)

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logrus.WithError(err).Fatal("depthview stopped")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.DebugMode {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)

	feed, err := provider.ResolveFeed(cfg.Feed)
	if err != nil {
		return err
	}
	precision, err := provider.NewPrecisionRegistry(cfg.Symbols, &cfg.DefaultSymbol)
	if err != nil {
		return err
	}

	manager := usecase.NewOrderBookManager(feed, usecase.ManagerOptionsFromConfig(cfg.Manager))

	engineOpts, err := aggregation.EngineOptionsFromConfig(cfg.Aggregation)
	if err != nil {
		return err
	}
	engine := aggregation.NewEngine(manager, precision, formatting.NewFormatter(), engineOpts)

	validatorCfg, err := registry.ValidationServiceConfigFrom(cfg.Aggregation)
	if err != nil {
		return err
	}
	connections := registry.NewRegistry(manager, engine, registry.NewValidationService(validatorCfg, precision))

	manager.OnBookChanged(func(symbol *domain.MarketSymbol, version uint64) {
		engine.OnBookChanged(symbol, version)
		connections.Notify(symbol)
	})
	manager.OnEvict(engine.EvictSymbol)
	manager.OnSweep(func() { engine.SweepExpired() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)
	if synthetic, ok := feed.(*static.Feed); ok {
		go synthetic.Synthesize(ctx, syntheticDepthEvery)
	}

	metrics := promclient.NewRegistry(manager, engine, connections)
	server := rpc.NewServer(connections, manager, metrics, rpc.ConnectionOptionsFromConfig(cfg.Connection))
	server.WatchFeedHealth(ctx, cfg.Manager.SweepInterval)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(cfg.HTTPAddr, cfg.GRPCAddr)
	}()

	logrus.WithFields(logrus.Fields{
		"feed": feed.Name(),
		"http": cfg.HTTPAddr,
		"grpc": cfg.GRPCAddr,
	}).Info("depthview started")

	select {
	case <-ctx.Done():
		logrus.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			logrus.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := connections.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("connection registry shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("rpc server shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("order book manager shutdown")
	}
	if closer, ok := feed.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("feed close")
		}
	}

	return err
}
