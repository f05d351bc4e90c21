package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tetherproj/tether/internal/config"
	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/hostkey"
	"github.com/tetherproj/tether/internal/keeper"
	"github.com/tetherproj/tether/internal/pathutil"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath       string
	logSpec          string
	insecure         bool
	knownHostsPath   string
	askPass          bool
	user             string
	identity         string
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tether",
		Short: "Shared SSH connections with claim-counted tunnels",
		Long: `Tether keeps one authenticated SSH connection per endpoint and hands it
to every consumer that asks. Port forwards are claim counted: the same
target through the same relay shares a single local listener, torn down
when the last holder releases it. Lost transports are replaced in the
background while held tunnels keep their local binds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(opts.logSpec)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/tether/config.yaml)")
	pf.StringVar(&opts.logSpec, "log", "WARNING", `log level, or a full spec like "<root>=INFO;tether.conn=TRACE"`)
	pf.BoolVar(&opts.insecure, "insecure", false, "accept any host key")
	pf.StringVar(&opts.knownHostsPath, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	pf.BoolVar(&opts.askPass, "ask-pass", false, "prompt for a password when stored material is not accepted")
	pf.StringVarP(&opts.user, "user", "u", "", "username (default user@relay, then profile, then ssh_config)")
	pf.StringVarP(&opts.identity, "identity", "i", "", "private key file")
	pf.DurationVar(&opts.connectTimeout, "connect-timeout", 0, "TCP dial timeout (default 10s)")
	pf.DurationVar(&opts.handshakeTimeout, "handshake-timeout", 0, "SSH handshake timeout (default 15s)")

	cmd.AddCommand(
		newForwardCmd(opts),
		newRewriteCmd(opts),
		newExecCmd(opts),
		newPushCmd(opts),
		newFetchCmd(opts),
		newStatusCmd(opts),
		newProfilesCmd(opts),
	)
	return cmd
}

// configureLogging routes loggo output to stderr. spec is either a bare level
// name applied to the whole tree or a full loggo specification.
func configureLogging(spec string) error {
	loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(os.Stderr, logFormatter))
	if !strings.Contains(spec, "=") {
		if _, ok := loggo.ParseLevel(spec); !ok {
			return fmt.Errorf("unknown log level %q", spec)
		}
		spec = "<root>=" + spec
	}
	return loggo.ConfigureLoggers(spec)
}

func logFormatter(entry loggo.Entry) string {
	ts := entry.Timestamp.Format("15:04:05")
	return fmt.Sprintf("%s %s %s %s", ts, entry.Level, entry.Module, entry.Message)
}

// loadConfig reads the file named by --config, or the default path when the
// flag is unset. A missing default file yields the built-in defaults.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.configPath != "" {
		return config.Load(opts.configPath)
	}
	return config.LoadDefault()
}

// relayTarget is a parsed relay argument: the endpoint to dial plus the alias
// it came from, which keys ssh_config lookups and suggested commands.
type relayTarget struct {
	alias string
	user  string
	ep    endpoint.Endpoint
}

// parseRelayArg parses "[user@]host[:port]", resolving Hostname and Port
// through ssh_config when the argument leaves them out.
func parseRelayArg(arg string) (relayTarget, error) {
	user, ep, err := endpoint.ParseAuthority(arg)
	if err != nil {
		return relayTarget{}, err
	}
	t := relayTarget{alias: ep.Host, user: user}
	if hostname := credential.SSHConfigHostname(ep.Host); hostname != "" {
		ep.Host = hostname
	}
	if ep.Port == 0 {
		ep.Port = credential.SSHConfigPort(t.alias)
	}
	t.ep = ep
	return t, nil
}

// buildCredential assembles authentication material for a relay. Explicit
// flags win over profile settings, which win over ssh_config defaults.
func buildCredential(opts *rootOptions, cfg *config.Config, prof *config.Profile, target relayTarget) (*credential.Credential, error) {
	cred := credential.New()

	switch {
	case target.user != "":
		cred.WithUser(target.user)
	case opts.user != "":
		cred.WithUser(opts.user)
	case prof != nil && prof.User != "":
		cred.WithUser(prof.User)
	}

	switch {
	case opts.identity != "":
		cred.WithKeyFile(opts.identity)
	case prof != nil && prof.Identity != "":
		cred.WithKeyFile(prof.Identity)
	}

	cred.FromSSHConfig(target.alias)

	if opts.connectTimeout > 0 {
		cred.WithConnectTimeout(opts.connectTimeout)
	} else if d := cfg.Defaults.ConnectTimeout.Duration; d > 0 {
		cred.WithConnectTimeout(d)
	}
	if opts.handshakeTimeout > 0 {
		cred.WithHandshakeTimeout(opts.handshakeTimeout)
	} else if d := cfg.Defaults.HandshakeTimeout.Duration; d > 0 {
		cred.WithHandshakeTimeout(d)
	}

	if opts.askPass {
		cred.WithPrompt(passwordPrompt)
	}

	if opts.insecure || (prof != nil && prof.Insecure) {
		cred.WithVerifier(hostkey.TrustAll())
		return cred, nil
	}

	path := opts.knownHostsPath
	if path == "" && prof != nil {
		path = prof.KnownHosts
	}
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	kh, err := hostkey.NewKnownHosts(pathutil.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("%w\n  hint: pass --insecure or point --known-hosts at a valid file", err)
	}
	cred.WithVerifier(kh)
	return cred, nil
}

// passwordPrompt reads a password from the terminal with echo off.
func passwordPrompt(host string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s password: ", host)
	defer fmt.Fprintln(os.Stderr)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// friendly decorates a connect failure with a hint when one applies.
func friendly(host string, err error) error {
	if err == nil {
		return nil
	}
	if hint := conn.Hint(host, err); hint != "" {
		return fmt.Errorf("%w\n  hint: %s", err, hint)
	}
	return err
}

// keeperOptions translates the config reconnect budget into keeper options.
func keeperOptions(cfg *config.Config) []keeper.Option {
	rc := cfg.Defaults.Reconnect
	return []keeper.Option{
		keeper.WithAttempts(rc.Attempts),
		keeper.WithDelay(rc.Delay.Duration, rc.MaxDelay.Duration),
	}
}

// session is an authenticated relay connection plus the registry that owns it.
type session struct {
	cfg    *config.Config
	reg    *conn.Registry
	conn   *conn.Conn
	target relayTarget
}

func (s *session) close() {
	s.reg.CloseAll()
}

// openSession resolves a relay argument and returns an authenticated
// connection to it. The caller closes the session when done.
func openSession(ctx context.Context, opts *rootOptions, relayArg string) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	target, err := parseRelayArg(relayArg)
	if err != nil {
		return nil, err
	}
	cred, err := buildCredential(opts, cfg, nil, target)
	if err != nil {
		return nil, err
	}
	reg := conn.NewRegistry()
	c, err := reg.ConnectAndAuthenticate(ctx, target.ep, cred)
	if err != nil {
		reg.CloseAll()
		return nil, friendly(target.alias, err)
	}
	return &session{cfg: cfg, reg: reg, conn: c, target: target}, nil
}
