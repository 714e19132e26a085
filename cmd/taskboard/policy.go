package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or edit role capabilities in policy.yaml",
		Long: `Grants and revocations rewrite policy.yaml in the home directory.
A running server picks the change up without a restart.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print each role's capabilities",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				lp, err := localPolicy()
				if err != nil {
					return err
				}
				snap := lp.Snapshot()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "version %s\n", lp.PolicyVersion())
				for _, role := range policy.Roles {
					caps := slices.Sorted(slices.Values(snap.Roles[role]))
					fmt.Fprintf(out, "%-6s %s\n", role, strings.Join(caps, " "))
				}
				return nil
			},
		},
		newPolicyEditCmd("grant", "Give a role a capability", (*policy.LivePolicy).Grant),
		newPolicyEditCmd("revoke", "Take a capability from a role", (*policy.LivePolicy).Revoke),
	)
	return cmd
}

func newPolicyEditCmd(verb, short string, edit func(*policy.LivePolicy, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <role> <capability>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lp, err := localPolicy()
			if err != nil {
				return err
			}
			if err := edit(lp, args[0], args[1]); err != nil {
				return exitError{code: 2, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s)\n", verb, strings.ToLower(args[0]), strings.ToLower(args[1]), lp.PolicyVersion())
			return nil
		},
	}
}

func localPolicy() (*policy.LivePolicy, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	return policy.NewLivePolicy(p, path), nil
}
