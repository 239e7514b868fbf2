package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func initSweeper(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SWEEPERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "sweeper.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		var err error
		config, configPath, err = storeDefault(userConfigPath)
		if err != nil {
			return err
		}
	} else {
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	logWriter = log.Writer(config.Service.Log)
	slog.SetDefault(log.New(logWriter, config.Service.Verbose))

	slog.Debug("sweeper run", "configPath", configPath)
	slog.Debug("sweeper run", "config", config)
	return nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, issue := range model.ConfigIssues(err) {
			slog.Error("invalid config", "issue", issue)
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// storeDefault writes the default configuration to dir/sweeper.yaml.
func storeDefault(dir string) (model.Config, string, error) {
	cfg := model.DefaultConfig()
	path := filepath.Join(dir, "sweeper.yaml")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Config{}, "", fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return model.Config{}, "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return model.Config{}, "", fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return model.Config{}, "", fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, path, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
