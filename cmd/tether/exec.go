package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tetherproj/tether/internal/remote"
)

// exitError carries a remote exit status out to the process exit code.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [user@]relay[:port] -- command...",
		Short: "Run a command over the shared connection",
		Long: `Exec runs a command on the relay over the cached connection and exits
with the remote status. A stale transport is reset and the command
retried once.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args[0], strings.Join(args[1:], " "))
		},
	}
}

func runExec(cmd *cobra.Command, opts *rootOptions, relayArg, command string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx, opts, relayArg)
	if err != nil {
		return err
	}
	defer s.close()

	stdout, stderr, code, err := remote.Exec(ctx, s.conn, command)
	if err != nil {
		return err
	}
	cmd.OutOrStdout().Write(stdout)
	cmd.ErrOrStderr().Write(stderr)
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
