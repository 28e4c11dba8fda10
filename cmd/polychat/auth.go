package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/core"
	"github.com/polychat/chat-client/internal/session"
)

var (
	flagUsername   string
	flagPassword   string
	flagSaveConfig bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the identity for this profile",
	RunE:  runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account (does not sign in)",
	RunE:  runRegister,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored identity for this profile",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored identity for this profile",
	RunE:  runWhoami,
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVarP(&flagUsername, "username", "u", "", "account name")
		c.Flags().StringVarP(&flagPassword, "password", "p", "", "password (prompted when omitted)")
	}
	loginCmd.Flags().BoolVar(&flagSaveConfig, "save-config", false, "write the effective config to --config after signing in")
}

func credentials(cmd *cobra.Command) (api.Credentials, error) {
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	username := flagUsername
	if username == "" {
		fmt.Fprint(out, "Username: ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return api.Credentials{}, err
		}
		username = strings.TrimSpace(line)
	}

	password := flagPassword
	if password == "" {
		fmt.Fprint(out, "Password: ")
		if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return api.Credentials{}, err
			}
			password = string(b)
		} else {
			line, err := in.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return api.Credentials{}, err
			}
			password = strings.TrimRight(line, "\r\n")
		}
	}
	return api.Credentials{Username: username, Password: password}, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	creds, err := credentials(cmd)
	if err != nil {
		return err
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.Login(cmd.Context(), creds)
	if id.Token == "" {
		return errors.New(core.UserMessage(err))
	}
	if err != nil {
		log.Warn().Err(err).Msg("[polychat] signed in, but the session did not fully start")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (id %d), profile %q\n", id.DisplayName, id.UserID, cfg.Profile)
	if flagSaveConfig {
		return saveConfig(cmd.OutOrStdout(), flagConfig)
	}
	return nil
}

// saveConfig writes the loaded config, flags and env overrides included, so
// later commands reuse the same server and profile.
func saveConfig(out io.Writer, path string) error {
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config written to %s\n", path)
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	creds, err := credentials(cmd)
	if err != nil {
		return err
	}
	store := session.NewStore(api.NewClient(cfg.ServerURL, cfg.RequestTimeout, nil), session.NewMemoryStore())
	if err := store.Register(cmd.Context(), creds); err != nil {
		return errors.New(core.UserMessage(err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s. Run \"polychat login\" to sign in.\n", creds.Username)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	p, err := openPersister()
	if err != nil {
		return err
	}
	defer p.Close()

	if err := session.NewStore(nil, p).Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed out of profile %q\n", cfg.Profile)
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	p, err := openPersister()
	if err != nil {
		return err
	}
	defer p.Close()

	store := session.NewStore(nil, p)
	id, err := store.Restore(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if id == nil {
		fmt.Fprintf(out, "Not signed in (%s)\n", store.Status())
		return nil
	}
	fmt.Fprintf(out, "%s (id %d) on %s, profile %q\n", id.DisplayName, id.UserID, cfg.ServerURL, cfg.Profile)
	return nil
}
