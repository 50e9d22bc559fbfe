package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	keyBaseURL     = "base_url"
	keyTimeout     = "timeout"
	keyOutput      = "output"
)

// cli carries resolved settings into every subcommand.
type cli struct {
	cfg *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "calmctl",
		Short:         "calmctl: drive and inspect a CalmCompanion server",
		Long:          "calmctl sends turns to a CalmCompanion server and reads back aggregates, session summaries, event logs and guidance tips.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("base-url", defaultBaseURL, "server base URL (env CALMCTL_BASE_URL)")
	flags.Duration("timeout", 10*time.Second, "request timeout")
	flags.StringP("output", "o", "auto", "output format: auto, text or json")
	_ = c.cfg.BindPFlag(keyBaseURL, flags.Lookup("base-url"))
	_ = c.cfg.BindPFlag(keyTimeout, flags.Lookup("timeout"))
	_ = c.cfg.BindPFlag(keyOutput, flags.Lookup("output"))

	rootCmd.AddCommand(
		newTurnCmd(c),
		newAggregateCmd(c),
		newEventsCmd(c),
		newSummaryCmd(c),
		newHistoryCmd(c),
		newTipsCmd(c),
		newHealthCmd(c),
	)
	return rootCmd
}

// loadConfig layers flags over CALMCTL_* env over
// ~/.config/calmctl/config.yaml.
func (c *cli) loadConfig() error {
	c.cfg.SetEnvPrefix("calmctl")
	c.cfg.AutomaticEnv()
	c.cfg.SetConfigName("config")
	c.cfg.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		c.cfg.AddConfigPath(filepath.Join(home, ".config", "calmctl"))
	}
	if err := c.cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	switch c.output() {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("invalid output %q (expected auto|text|json)", c.cfg.GetString(keyOutput))
	}
	if c.baseURL() == "" {
		return errors.New("base url is empty")
	}
	return nil
}

func (c *cli) baseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.cfg.GetString(keyBaseURL)), "/")
}

func (c *cli) output() string {
	return strings.ToLower(strings.TrimSpace(c.cfg.GetString(keyOutput)))
}

func (c *cli) client() *client {
	return newClient(c.baseURL(), c.cfg.GetDuration(keyTimeout))
}

// wantJSON resolves "auto" to text on a terminal and JSON otherwise.
func (c *cli) wantJSON(w io.Writer) bool {
	switch c.output() {
	case "json":
		return true
	case "text":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}
