package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	internalhttp "replsync/internal/http"
	"replsync/pkg/config"
	"replsync/pkg/discovery"
	"replsync/pkg/metrics"
	"replsync/pkg/replica"
	"replsync/pkg/storage"
	"replsync/pkg/storage/bolt"
	"replsync/pkg/storage/memory"
	"replsync/pkg/storage/postgres"
	"replsync/pkg/transport/httpconn"
	"replsync/pkg/transport/redisconn"
)

const reconcileEvery = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("replsyncd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("replsyncd stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	engine, err := openEngine(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Warn("failed to close storage engine", "error", err)
		}
	}()

	store, err := replica.Open(ctx, engine)
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}

	counters := metrics.NewCounters()
	n := newNode(cfg, store, counters, slog.Default())
	defer n.close()

	serverOpts := []internalhttp.Option{
		internalhttp.WithMetrics(counters),
		internalhttp.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
	}
	switch cfg.Sync.Transport {
	case config.TransportHTTP:
		inbound := httpconn.NewInbound(slog.Default())
		n.serve(inbound, "http")
		serverOpts = append(serverOpts, internalhttp.WithSyncHandler(inbound))
	case config.TransportWS:
		serverOpts = append(serverOpts, internalhttp.WithWSHandler(n.acceptWS))
	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		bus, err := redisconn.NewBus(ctx, rdb, cfg.Redis.Prefix, cfg.Node.Name, slog.Default())
		if err != nil {
			return err
		}
		defer bus.Close()
		bus.OnAccept(n.acceptRedis)
		n.bus = bus
	}

	server := internalhttp.NewServer(store, strconv.Itoa(cfg.Server.Port), serverOpts...)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Warn("error stopping server", "error", err)
		}
	}()

	source, err := openDiscovery(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	go n.reconcileLoop(ctx, reconcileEvery)

	return source.Run(ctx, func(peers []discovery.Peer) {
		n.setPeers(ctx, peers)
	})
}

func openEngine(ctx context.Context, cfg config.StorageConfig) (storage.Engine, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		return memory.New(), nil
	case config.EngineBolt:
		e, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt engine: %w", err)
		}
		return e, nil
	case config.EnginePostgres:
		e, err := postgres.Open(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("open postgres engine: %w", err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
}

func openDiscovery(ctx context.Context, cfg config.Config) (discovery.Source, error) {
	self := discovery.Peer{Name: cfg.Node.Name, Addr: cfg.Node.Advertise}

	switch cfg.Discovery.Mode {
	case config.DiscoveryStatic:
		s, err := discovery.ParseStatic(self.Name, cfg.Discovery.Peers)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DiscoveryZooKeeper:
		zk, err := discovery.NewZooKeeper(cfg.Discovery.Servers, cfg.Discovery.Root, self, slog.Default())
		if err != nil {
			return nil, err
		}
		if err := zk.Register(ctx); err != nil {
			_ = zk.Close()
			return nil, err
		}
		return zk, nil
	case config.DiscoveryMDNS:
		m := discovery.NewMDNS(cfg.Discovery.Service, self, cfg.Server.Port, slog.Default())
		if err := m.Register(); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown discovery mode %q", cfg.Discovery.Mode)
}
