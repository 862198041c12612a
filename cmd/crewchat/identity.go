package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crewdeck/crewchat/internal/identity"
	"github.com/crewdeck/crewchat/internal/store"
)

type IdentityFlags struct {
	Clear bool
}

func (f *IdentityFlags) BindFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&f.Clear, "clear", f.Clear, "Forget the persisted guest id")
}

func newIdentityCmd(root *RootFlags) *cobra.Command {
	f := &IdentityFlags{}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or clear the identity chat sessions run as",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(cfg.StateDBPath)
			if err != nil {
				return fmt.Errorf("open client state: %w", err)
			}
			defer closeRepo(repo)

			resolver := identity.NewResolver(repo, identity.Principal{UserID: cfg.UserID}, nil)
			if f.Clear {
				if err := resolver.Clear(cmd.Context()); err != nil {
					return fmt.Errorf("clear guest id: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "guest id cleared")
				return nil
			}

			id := resolver.Resolve(cmd.Context())
			kind := "guest"
			if resolver.Authenticated() {
				kind = "user"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", id, kind)
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

func newNotificationsCmd(root *RootFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "notifications [on|off]",
		Short:     "Show or set the notifications preference",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(cfg.StateDBPath)
			if err != nil {
				return fmt.Errorf("open client state: %w", err)
			}
			defer closeRepo(repo)

			if len(args) == 1 {
				enabled, err := parseToggle(args[0])
				if err != nil {
					return err
				}
				if err := repo.SetState(cmd.Context(), store.NotificationsKey, strconv.FormatBool(enabled)); err != nil {
					return fmt.Errorf("save notifications preference: %w", err)
				}
			}

			enabled, err := notificationsEnabled(cmd.Context(), repo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notifications: %s\n", toggleString(enabled))
			return nil
		},
	}
}

// notificationsEnabled defaults to on until the user opts out.
func notificationsEnabled(ctx context.Context, state store.StateStore) (bool, error) {
	raw, ok, err := state.GetState(ctx, store.NotificationsKey)
	if err != nil {
		return false, fmt.Errorf("read notifications preference: %w", err)
	}
	if !ok {
		return true, nil
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return true, nil
	}
	return enabled, nil
}

func parseToggle(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func toggleString(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func closeRepo(repo store.Repository) {
	if err := repo.Close(); err != nil {
		slog.Error("Failed to close client state", "error", err)
	}
}
