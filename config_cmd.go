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

const defaultConfig = `# Port the HTTP API listens on
port: 8000
# Delay between answering /restart and exiting
restart_delay: "1s"

# Telegram session string of the assistant account
# session: ""
# Call engine: mock
engine: "mock"
# How long a mock stream plays before it ends on its own (0 disables)
mock_play_duration: "3m"
# Chat that receives stream-end notifications
notify_target: "@vcmusiclubot"
# Notifications per second (0 for unlimited) and burst
notify_rate: 1
notify_burst: 5

# Download backends, tried in this order. Leave one empty to disable it.
download_api_url: "https://divine-dream-fde5.lagendplayersyt.workers.dev/down?url="
secondary_download_api_url: "https://frozen-youtube-api-search-link-b89x.onrender.com/download?url="
tertiary_download_api_url: "https://ytapi-df6f5442e070.herokuapp.com/download?url="

# Directory downloaded files are kept in (default: system temp dir)
# cache_dir: "~/.cache/vcplay"
fetch_timeout: "90s"
chunk_size: 65536
# Cron schedule for evicting entries whose file is gone
sweep_schedule: "*/10 * * * *"
# Evict entries as soon as their file is removed
watch_cache: true
# Delete cached files on shutdown
purge_on_shutdown: false

# Bound on waiting for the runtime worker
submit_timeout: "120s"
queue_size: 64
shutdown_timeout: "10s"

# debug, info, warn or error
log_level: "info"
# auto, text or json
log_format: "auto"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the vcplay config file",
	Long:    paragraph(fmt.Sprintf("\n%s the vcplay config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("vcplay config\nvcplay config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("vcplay", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
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
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
