package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/tetherproj/tether/internal/config"
	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/probe"
)

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true)
	statusUpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	statusDownStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672"))
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var profileName string
	cmd := &cobra.Command{
		Use:   "status [--profile name]",
		Short: "Probe configured relays and fixed local binds",
		Long: `Status dials every configured relay and every fixed local bind and
reports reachability and latency. Forwards with ephemeral local ports
have no fixed address and are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, profileName)
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "", "limit to one profile")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *rootOptions, profileName string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	names := cfg.ProfileNames()
	if profileName != "" {
		if _, err := cfg.Profile(profileName); err != nil {
			return err
		}
		names = []string{profileName}
	}
	if len(names) == 0 {
		return errors.New("no profiles configured")
	}

	var targets []probe.Target
	for _, name := range names {
		prof, err := cfg.Profile(name)
		if err != nil {
			return err
		}
		rt, err := parseRelayArg(prof.Relay)
		if err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
		targets = append(targets, probe.Target{Label: name + " relay", Endpoint: rt.ep})
		for _, spec := range prof.Forwards {
			local, tgt, err := config.ParseForward(spec)
			if err != nil {
				return fmt.Errorf("profile %q: %w", name, err)
			}
			if local == 0 {
				continue
			}
			targets = append(targets, probe.Target{
				Label:    fmt.Sprintf("%s %s", name, tgt),
				Endpoint: endpoint.New("127.0.0.1", local),
			})
		}
	}

	results := (&probe.Prober{}).Run(cmd.Context(), targets)
	printStatus(cmd.OutOrStdout(), results)
	return nil
}

// printStatus renders probe results as an aligned table.
func printStatus(w io.Writer, results []probe.Result) {
	labelW, addrW := len("TARGET"), len("ADDRESS")
	for _, r := range results {
		if n := len(r.Target.Label); n > labelW {
			labelW = n
		}
		if n := len(r.Target.Endpoint.String()); n > addrW {
			addrW = n
		}
	}

	header := fmt.Sprintf("%-*s  %-*s  %-5s  %s", labelW, "TARGET", addrW, "ADDRESS", "STATE", "LATENCY")
	fmt.Fprintln(w, statusHeaderStyle.Render(header))
	for _, r := range results {
		state := statusDownStyle.Render(fmt.Sprintf("%-5s", "down"))
		latency := "-"
		if r.Up {
			state = statusUpStyle.Render(fmt.Sprintf("%-5s", "up"))
			latency = formatProbeLatency(r.Latency)
		}
		fmt.Fprintf(w, "%-*s  %-*s  %s  %s\n", labelW, r.Target.Label, addrW, r.Target.Endpoint, state, latency)
	}
}

func formatProbeLatency(d time.Duration) string {
	if d < time.Millisecond {
		return d.Round(time.Microsecond).String()
	}
	return d.Round(time.Millisecond).String()
}
