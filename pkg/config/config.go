package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	EngineMemory   = "memory"
	EngineBolt     = "bolt"
	EnginePostgres = "postgres"

	TransportHTTP  = "http"
	TransportWS    = "ws"
	TransportRedis = "redis"

	DiscoveryStatic    = "static"
	DiscoveryZooKeeper = "zookeeper"
	DiscoveryMDNS      = "mdns"
)

// Config is the root of the node's YAML configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"http-server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Redis     RedisConfig     `yaml:"redis"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// NodeConfig names the node among its peers. Advertise is the host:port
// other nodes use to reach this node's HTTP server.
type NodeConfig struct {
	Name      string `yaml:"name"`
	Advertise string `yaml:"advertise"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type StorageConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

type SyncConfig struct {
	// Interval <= 0 runs a single sync per peer when it is discovered.
	Interval       time.Duration `yaml:"interval"`
	// RequestTimeout bounds one HTTP exchange and how long a websocket
	// dial keeps retrying.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	Transport      string        `yaml:"transport"`
}

type DiscoveryConfig struct {
	Mode    string   `yaml:"mode"`
	Peers   []string `yaml:"peers"`
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
	Service string   `yaml:"service"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// Default returns a baseline development config.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node-1"
	}
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Node: NodeConfig{
			Name:      host,
			Advertise: "localhost:8080",
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Engine: EngineBolt,
			Path:   "./data",
			Table:  "replsync_kv",
		},
		Sync: SyncConfig{
			Interval:       10 * time.Second,
			RequestTimeout: 30 * time.Second,
			StaleAfter:     time.Minute,
			Transport:      TransportHTTP,
		},
		Discovery: DiscoveryConfig{
			Mode:    DiscoveryStatic,
			Root:    "/replsync",
			Service: "_replsync._tcp",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "replsync",
		},
	}
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, levelErr := c.Logger.SlogLevel()
	check(levelErr == nil, "logger.level: unknown level %q", c.Logger.Level)
	check(c.Node.Name != "", "node.name is required")
	check(c.Server.Port > 0 && c.Server.Port <= 65535, "http-server.port: %d out of range", c.Server.Port)

	switch c.Storage.Engine {
	case EngineMemory:
	case EngineBolt:
		check(c.Storage.Path != "", "storage.path is required for the bolt engine")
	case EnginePostgres:
		check(c.Storage.DSN != "", "storage.dsn is required for the postgres engine")
		check(c.Storage.Table != "", "storage.table is required for the postgres engine")
	default:
		check(false, "storage.engine: unknown engine %q", c.Storage.Engine)
	}

	switch c.Sync.Transport {
	case TransportHTTP, TransportWS:
	case TransportRedis:
		check(c.Redis.Addr != "", "redis.addr is required for the redis transport")
	default:
		check(false, "sync.transport: unknown transport %q", c.Sync.Transport)
	}
	check(c.Sync.RequestTimeout > 0, "sync.request_timeout must be positive")

	switch c.Discovery.Mode {
	case DiscoveryStatic:
	case DiscoveryZooKeeper:
		check(len(c.Discovery.Servers) > 0, "discovery.servers is required for zookeeper")
		check(c.Node.Advertise != "", "node.advertise is required for zookeeper")
	case DiscoveryMDNS:
	default:
		check(false, "discovery.mode: unknown mode %q", c.Discovery.Mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", l.Level)
}
