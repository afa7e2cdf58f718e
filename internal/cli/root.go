// Package cli implements the convsync command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tOgg1/convsync/internal/config"
	"github.com/tOgg1/convsync/internal/logging"
)

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	baseURL    string
	token      string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "convsync",
		Short:         "Conversation list sync and read-state engine",
		Long:          "convsync keeps a chat conversation list in sync with a backend over REST polling and a websocket push stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default ~/.config/convsync/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override logging.format (console, json)")
	flags.StringVar(&opts.baseURL, "base-url", "", "override gateway.base_url")
	flags.StringVar(&opts.token, "token", "", "override gateway.token")

	cmd.AddCommand(
		newListCmd(opts),
		newWatchCmd(opts),
		newMarkReadCmd(opts),
		newMarkUnreadCmd(opts),
		newDeleteCmd(opts),
		newMockServerCmd(opts),
	)
	return cmd
}

// load reads configuration, initializes logging on the command's stderr and
// attaches a logger tagged with the command name to the command's context.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if o.configFile != "" {
		loader.SetConfigFile(o.configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.baseURL != "" {
		cfg.Gateway.BaseURL = strings.TrimSpace(o.baseURL)
		cfg.Gateway.SocketURL = ""
	}
	if o.token != "" {
		cfg.Gateway.Token = o.token
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cmd.ErrOrStderr(),
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Logger.With().
		Str("command", cmd.Name()).
		Str("invocation", uuid.NewString()).
		Logger()
	cmd.SetContext(logging.WithContext(cmd.Context(), logger))
	if used := loader.ConfigFileUsed(); used != "" {
		logger.Debug().Str("path", used).Msg("loaded config")
	}
	return cfg, nil
}
