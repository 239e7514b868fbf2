package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/service"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/sweeper on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logWriter      = log.Writer(model.LogStderr)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagInput          string // value of run --input flag
	flagWorkers        int    // value of run --workers flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "sweeper")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is sweeper.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVar(&flagInput, "input", "", "target list, overrides input.path")
	runCmd.Flags().IntVar(&flagWorkers, "workers", 0, "number of concurrent probes, overrides engine.workers")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initSweeper
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		_ = logWriter.Close()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("sweeper failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sweeper",
	Short:        "Resumable prober of large target lists",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and probes all targets",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", configPath)
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "progress prints the stored checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := service.Inspect(cmd.Context(), config.Progress)
		if err != nil {
			return err
		}
		if !status.Found {
			fmt.Fprintf(cmd.OutOrStdout(), "no progress stored in %s\n", config.Progress.Path)
			return nil
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(status)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a sweeper",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("sweeper: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("sweeper: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	if flagInput != "" {
		config.Input.Path = flagInput
	}
	if flagWorkers > 0 {
		config.Engine.Workers = flagWorkers
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	attrs := slog.Group("sweeper",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	sweeper, err := service.New(config)
	if err != nil {
		return err
	}
	summary, err := sweeper.Run(ctx)
	if err != nil {
		return err
	}
	if summary.Interrupted {
		slog.WarnContext(ctx, "sweep interrupted, run again to resume", "cursor", summary.Cursor)
	}
	return nil
}
