package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tetherproj/tether/internal/remote"
)

func newPushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push [user@]relay[:port] local remote",
		Short: "Upload a file over SFTP with checksum verification",
		Long: `Push copies a local file to the relay over SFTP, creating missing remote
directories, and verifies the upload by re-reading it and comparing
SHA-256 checksums.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, opts, args[0], args[1], args[2])
		},
	}
}

func runPush(cmd *cobra.Command, opts *rootOptions, relayArg, localPath, remotePath string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx, opts, relayArg)
	if err != nil {
		return err
	}
	defer s.close()

	progress, flush := terminalProgress(cmd.ErrOrStderr())
	sum, written, err := remote.Push(ctx, s.conn, localPath, remotePath, progress)
	flush()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (%s)\n", sum, remotePath, formatBytes(written))
	return nil
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [user@]relay[:port] remote local",
		Short: "Download a file over SFTP with checksum verification",
		Long: `Fetch copies a file from the relay over SFTP, creating missing local
directories, and verifies the download by re-reading the remote file and
comparing SHA-256 checksums.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, args[0], args[1], args[2])
		},
	}
}

func runFetch(cmd *cobra.Command, opts *rootOptions, relayArg, remotePath, localPath string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx, opts, relayArg)
	if err != nil {
		return err
	}
	defer s.close()

	progress, flush := terminalProgress(cmd.ErrOrStderr())
	sum, written, err := remote.Fetch(ctx, s.conn, remotePath, localPath, progress)
	flush()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (%s)\n", sum, localPath, formatBytes(written))
	return nil
}

// terminalProgress renders in-place transfer progress on w. The returned
// flush terminates the progress line if one was started.
func terminalProgress(w io.Writer) (remote.ProgressFunc, func()) {
	var wrote bool
	fn := func(ep string, transferred, total int64) {
		wrote = true
		fmt.Fprintf(w, "\r%s: %s / %s", ep, formatBytes(transferred), formatBytes(total))
	}
	return fn, func() {
		if wrote {
			fmt.Fprintln(w)
		}
	}
}

// formatBytes renders a byte count using binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
