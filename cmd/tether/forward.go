package main

import (
	"context"
	"errors"
	"fmt"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tetherproj/tether/internal/config"
	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/keeper"
	"github.com/tetherproj/tether/internal/ui/status"
)

func newForwardCmd(opts *rootOptions) *cobra.Command {
	var (
		profileName string
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "forward ([user@]relay[:port] | --profile name) [[local:]host:port...]",
		Short: "Open claim-counted tunnels through a relay",
		Long: `Forward binds local listeners that route through a shared connection to
the relay. Specs are "host:port" for an ephemeral local port or
"local:host:port" to fix one. The connection is revived automatically
after transport loss and held tunnels keep their local binds across the
gap. With --profile the relay and forwards come from the config file and
positional arguments add extra forwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForward(cmd, opts, profileName, watch, args)
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "", "take relay and forwards from a configured profile")
	cmd.Flags().BoolVar(&watch, "watch", false, "show a live status view")
	return cmd
}

func runForward(cmd *cobra.Command, opts *rootOptions, profileName string, watch bool, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	var (
		target relayTarget
		specs  []string
		prof   *config.Profile
	)
	if profileName != "" {
		p, err := cfg.Profile(profileName)
		if err != nil {
			return err
		}
		prof = &p
		if target, err = parseRelayArg(p.Relay); err != nil {
			return fmt.Errorf("profile %q: %w", profileName, err)
		}
		specs = append(append([]string(nil), p.Forwards...), args...)
		if len(specs) == 0 {
			return fmt.Errorf("profile %q has no forwards", profileName)
		}
	} else {
		if len(args) < 2 {
			return errors.New("forward needs a relay and at least one forward spec, or --profile")
		}
		if target, err = parseRelayArg(args[0]); err != nil {
			return err
		}
		specs = args[1:]
	}

	cred, err := buildCredential(opts, cfg, prof, target)
	if err != nil {
		return err
	}

	reg := conn.NewRegistry()
	defer reg.CloseAll()

	c, err := reg.ConnectAndAuthenticate(ctx, target.ep, cred)
	if err != nil {
		return friendly(target.alias, err)
	}

	k := keeper.New(keeperOptions(cfg)...)
	defer k.Stop()
	k.Watch(c)

	for _, spec := range specs {
		local, tgt, err := config.ParseForward(spec)
		if err != nil {
			return err
		}
		tn, err := c.TunnelAt(local, tgt)
		if err != nil {
			return err
		}
		defer tn.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s via %s\n", tn.LocalAddr(), tn.Target(), target.ep)
	}

	if watch {
		return runWatch(ctx, c)
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "press ctrl-c to stop")
	<-ctx.Done()
	return nil
}

// runWatch drives the live status view until the user quits or the process
// receives a signal.
func runWatch(ctx context.Context, c *conn.Conn) error {
	p := tea.NewProgram(status.New(status.Config{Conn: c}))

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		_, err := p.Run()
		return err
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-done:
		}
		return nil
	})
	return g.Wait()
}
