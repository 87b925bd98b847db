package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbrown1413/justsync/internal/config"
	"github.com/mbrown1413/justsync/internal/sync"
	"github.com/mbrown1413/justsync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var red = color.New(color.FgHiRed, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:   "justsync [flags] DIR DIR [DIR...]",
	Short: "Keep directories in sync with each other",
	Long: `justsync mirrors two or more directories: changes made in any of them
are propagated to all the others. No server, no setup beyond pointing it
at the directories. Run it once to reconcile, or with --watch to keep
reconciling as files change.`,
	Version:       version.Detailed(),
	Args:          cobra.MinimumNArgs(1),
	SilenceErrors: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Dirs:        args,
			Watch:       viper.GetBool("watch"),
			Interval:    viper.GetDuration("interval"),
			Create:      viper.GetBool("create"),
			MaxRevisits: viper.GetInt("max_revisits"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		return run(cmd.Context(), cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	roots := make([]*sync.SyncRoot, 0, len(cfg.Dirs))
	defer func() {
		for _, root := range roots {
			if err := root.Close(); err != nil {
				slog.Warn("failed to release root lock", "root", root.Path(), "error", err)
			}
		}
	}()

	for _, dir := range cfg.Dirs {
		root, err := sync.NewSyncRoot(dir)
		if err != nil {
			return err
		}
		roots = append(roots, root)
	}

	synchronizer, err := sync.NewSynchronizer(roots, sync.WithMaxRevisits(cfg.MaxRevisits))
	if err != nil {
		return err
	}

	if cfg.Watch {
		slog.Info("watching for changes", "roots", len(roots), "interval", cfg.Interval)
		return synchronizer.Watch(ctx, cfg.Interval)
	}

	if err := synchronizer.Sync(false); err != nil {
		return err
	}
	slog.Info("sync complete", "roots", len(roots))
	return nil
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().BoolP("watch", "w", false, "Watch directories and re-sync on changes")
	rootCmd.Flags().Duration("interval", config.DefaultInterval, "Sync interval in watch mode")
	rootCmd.Flags().Bool("create", false, "Create missing directories instead of erroring")
	rootCmd.Flags().Int("max-revisits", config.DefaultMaxRevisits, "Per-path oscillation cap within one sync cycle")
	rootCmd.Flags().BoolP("verbose", "v", false, "Print debugging information")
	rootCmd.Flags().BoolP("quiet", "q", false, "Only print warnings and errors")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default ~/.justsync/config.json)")
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".justsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("watch", cmd.Flags().Lookup("watch"))
	viper.BindPFlag("interval", cmd.Flags().Lookup("interval"))
	viper.BindPFlag("create", cmd.Flags().Lookup("create"))
	viper.BindPFlag("max_revisits", cmd.Flags().Lookup("max-revisits"))

	viper.SetEnvPrefix("JUSTSYNC")
	viper.AutomaticEnv()

	return setupLogger(cmd)
}

func setupLogger(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelWarn
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}
