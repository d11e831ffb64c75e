package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Audio cache
cache:
  # cache root; defaults to the user cache directory
  # dir: "~/.cache/versecache"
  # storage runtime: auto, device or web
  runtime: "auto"
  # also write to the byte store when the device store is available
  dual_write: true
  # payload encoding for the device store: raw, base64 or zstd
  encoding: "raw"
  compression_level: 3
  # in-memory budget for loaded audio (MB, 0 for unbounded)
  handle_budget_mb: 64
  # durable cache size cap (MB, 0 disables)
  max_size_mb: 500
  # drop audio older than this (0 disables)
  max_age: "720h"
  cleanup_interval: "1h"

# Prefetching
prefetch:
  # concurrent background fetches
  max_concurrent: 2
  # verses fetched ahead of the one playing
  ahead: 3

# Generation service
synth:
  # leave empty to generate audio offline
  endpoint: ""
  # api_key: "your-api-key-here"
  voice: "default"
  timeout: "30s"
  requests_per_minute: 60

# Verse and commentary text
catalog:
  # dir: "~/.cache/versecache/catalog"
  # reload verses.json when it changes
  watch: false

logging:
  # log file; empty logs to stderr
  file: ""
  level: "info"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the versecache config file",
	Long:    paragraph(fmt.Sprintf("\n%s the versecache config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("versecache config\nversecache config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("versecache", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
