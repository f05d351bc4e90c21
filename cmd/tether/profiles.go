package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProfilesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfiles(cmd, opts)
		},
	}
}

func runProfiles(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	names := cfg.ProfileNames()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no profiles configured")
		return nil
	}

	nameW, relayW := len("PROFILE"), len("RELAY")
	for _, name := range names {
		prof, _ := cfg.Profile(name)
		if len(name) > nameW {
			nameW = len(name)
		}
		if len(prof.Relay) > relayW {
			relayW = len(prof.Relay)
		}
	}

	out := cmd.OutOrStdout()
	header := fmt.Sprintf("%-*s  %-*s  %s", nameW, "PROFILE", relayW, "RELAY", "FORWARDS")
	fmt.Fprintln(out, statusHeaderStyle.Render(header))
	for _, name := range names {
		prof, _ := cfg.Profile(name)
		fmt.Fprintf(out, "%-*s  %-*s  %d\n", nameW, name, relayW, prof.Relay, len(prof.Forwards))
	}
	return nil
}
