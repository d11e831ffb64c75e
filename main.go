// Package main provides the entry point for the versecache CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	envCfg     config.Env
	cfg        config.Config
	closeLog   = func() error { return nil }

	// fsys backs the device store and the catalog.
	fsys afero.Fs = afero.NewOsFs()

	rootCmd = &cobra.Command{
		Use:   "versecache",
		Short: "Offline cache and prefetcher for narrated scripture",
		Long: paragraph(
			fmt.Sprintf("\nResolve, prefetch and cache %s for verses and commentary.", keyword("narration audio")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var err error
	cfg, err = config.Load(viper.GetViper(), envCfg)
	if err != nil {
		return err
	}

	closer, err := setupLog(cfg.Logging)
	if err != nil {
		return err
	}
	closeLog = closer

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
	}
	return nil
}

// withSession opens the cache for the duration of fn.
func withSession(fn func(*session) error) error {
	s, err := openSession(cfg, fsys, log.Default())
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		_ = s.Close()
		return err
	}
	return s.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	flags.String("cache-dir", "", "cache directory")
	flags.String("runtime", "", "storage runtime: auto, device or web")
	flags.String("catalog", "", "catalog directory holding verses.json and commentary/")
	flags.String("voice", "", "voice to narrate with")
	flags.String("endpoint", "", "generation service URL (empty generates audio offline)")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	// Config bindings
	_ = viper.BindPFlag("cache.dir", flags.Lookup("cache-dir"))
	_ = viper.BindPFlag("cache.runtime", flags.Lookup("runtime"))
	_ = viper.BindPFlag("catalog.dir", flags.Lookup("catalog"))
	_ = viper.BindPFlag("synth.voice", flags.Lookup("voice"))
	_ = viper.BindPFlag("synth.endpoint", flags.Lookup("endpoint"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(keyCmd, playCmd, prefetchCmd, lsCmd, statsCmd, clearCmd, pruneCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	var err error
	envCfg, err = config.ParseEnv()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	dirs, err := config.ConfigDirs(envCfg)
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}
	config.Prepare(viper.GetViper(), dirs)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		configFile = used
		return
	}
	configFile = filepath.Join(dirs[0], config.AppName+".yml")
}
