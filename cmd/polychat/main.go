package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polychat/chat-client/internal/config"
	"github.com/polychat/chat-client/internal/core"
	"github.com/polychat/chat-client/internal/logging"
	"github.com/polychat/chat-client/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "polychat",
	Short: "Terminal client for a polychat server",
	Long: `polychat signs in to a polychat server, keeps the chat connection open
and lets you talk to your contacts from the terminal.

The signed-in identity is stored per profile, so "polychat chat" resumes
without asking for the password again.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
}

var (
	flagConfig    string
	flagServerURL string
	flagProfile   string
	flagLogLevel  string
	flagLogFormat string
)

// cfg is populated by loadConfig before any command runs.
var cfg *config.Config

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", config.DefaultPath(), "path to the YAML config file")
	flags.StringVar(&flagServerURL, "server-url", "", "server base URL, e.g. http://localhost:8080")
	flags.StringVar(&flagProfile, "profile", "", "identity profile name")
	flags.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&flagLogFormat, "log-format", "", "console or json")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, chatCmd, bridgeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagServerURL != "" {
		c.ServerURL = flagServerURL
	}
	if flagProfile != "" {
		c.Profile = flagProfile
	}
	if flagLogLevel != "" {
		c.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		c.Log.Format = flagLogFormat
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logging.Setup(c.Log)
	cfg = c
	return nil
}

func openPersister() (session.Persister, error) {
	return session.OpenPersister(cfg.Storage, cfg.Profile)
}

// newSession builds a core session over the configured storage backend.
func newSession() (*core.Session, error) {
	p, err := openPersister()
	if err != nil {
		return nil, err
	}
	return core.New(core.Options{Config: cfg, Persister: p}), nil
}
