package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/keeper"
	"github.com/tetherproj/tether/internal/rewrite"
)

func newRewriteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite [user@]relay[:port] address",
		Short: "Rewrite host:port occurrences in an address to local tunnels",
		Long: `Rewrite opens one claim-counted tunnel per distinct host:port inside the
address and prints the address with every occurrence replaced by its
local bind. Surrounding text survives verbatim, so connection strings
like "postgres://user@db9:5432/app" come out dialable. The tunnels are
held until the command is interrupted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRewrite(cmd, opts, args[0], args[1])
		},
	}
}

func runRewrite(cmd *cobra.Command, opts *rootOptions, relayArg, addr string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	target, err := parseRelayArg(relayArg)
	if err != nil {
		return err
	}
	cred, err := buildCredential(opts, cfg, nil, target)
	if err != nil {
		return err
	}

	reg := conn.NewRegistry()
	defer reg.CloseAll()

	out, lease, err := rewrite.New(reg).Rewrite(ctx, addr, target.ep, cred)
	if err != nil {
		return friendly(target.alias, err)
	}
	defer lease.Close()

	fmt.Fprintln(cmd.OutOrStdout(), out)

	if len(lease.Tunnels()) == 0 {
		return nil
	}

	k := keeper.New(keeperOptions(cfg)...)
	defer k.Stop()
	for _, c := range reg.Conns() {
		k.Watch(c)
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "holding tunnels, press ctrl-c to release")
	<-ctx.Done()
	return nil
}
