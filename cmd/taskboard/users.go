package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/persistence"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts in the local database",
	}
	cmd.AddCommand(newUsersCreateCmd(), newUsersListCmd())
	return cmd
}

func localAuth(cfg config.Config, store *persistence.Store) *auth.Service {
	return auth.New(auth.Config{
		Store:         store,
		Logger:        slog.Default(),
		AccessSecret:  cfg.Auth.JWTSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		BcryptCost:    cfg.Auth.BcryptCost,
	})
}

func newUsersCreateCmd() *cobra.Command {
	var in auth.CreateUserInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Round-trip through the API decoder so the CLI applies the
			// same email, password and role rules as POST /users.
			raw, err := json.Marshal(in)
			if err != nil {
				return err
			}
			checked, err := auth.DecodeCreateUser(raw)
			if err != nil {
				return exitError{code: 2, err: err}
			}

			cfg, store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			u, err := localAuth(cfg, store).CreateUser(cmd.Context(), checked)
			if errors.Is(err, auth.ErrEmailTaken) {
				return exitError{code: 1, err: fmt.Errorf("email %s is already registered", checked.Email)}
			}
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) id=%s\n", u.Email, u.Role, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "account email")
	cmd.Flags().StringVar(&in.Password, "password", "", "account password")
	cmd.Flags().StringVar(&in.Role, "role", persistence.RoleUser, "admin or user")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := localAuth(cfg, store).ListUsers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tROLE\tCREATED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Role, u.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}
