package main

import (
	"log/slog"
	"os"

	"replsync/pkg/config"
)

// initConfig loads the YAML config at path. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	return config.Parse(data)
}

// initLogger installs the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("node", cfg.Node.Name)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}
