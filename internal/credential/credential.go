// Package credential holds per-connection authentication material and the
// ordered list of methods used to present it.
package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/loggo/v2"
	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/hostkey"
	"github.com/tetherproj/tether/internal/pathutil"
)

var logger = loggo.GetLogger("tether.credential")

// Default timeouts applied by New. Overridable per credential.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
)

// PromptFunc supplies a password on demand. It receives the host being
// authenticated and should return the password.
type PromptFunc func(host string) (string, error)

// Credential carries the username, secret material, method order, timeouts,
// and host key policy for authenticating connections. Build it with New and
// the With setters; treat it as read-only once a connection has authenticated
// with it.
type Credential struct {
	user       string
	password   string
	prompt     PromptFunc
	keyBytes   []byte
	keyFiles   []string
	passphrase string
	methods    []Method

	connectTimeout   time.Duration
	handshakeTimeout time.Duration

	verifier hostkey.Verifier
	relay    endpoint.Endpoint
}

// New returns a credential with the default method order and timeouts.
// The username defaults to the current OS user until WithUser is called.
func New() *Credential {
	return &Credential{
		methods:          DefaultMethods(),
		connectTimeout:   DefaultConnectTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WithUser sets the username.
func (c *Credential) WithUser(user string) *Credential {
	c.user = user
	return c
}

// WithPassword sets the password used by the password and interactive methods.
func (c *Credential) WithPassword(password string) *Credential {
	c.password = password
	return c
}

// WithPrompt sets a callback invoked for a password when none is stored.
func (c *Credential) WithPrompt(prompt PromptFunc) *Credential {
	c.prompt = prompt
	return c
}

// WithKeyBytes sets explicit private key material for the public-key method.
func (c *Credential) WithKeyBytes(key []byte) *Credential {
	c.keyBytes = key
	return c
}

// WithKeyFile appends a private key file path for the public-key method.
func (c *Credential) WithKeyFile(path string) *Credential {
	c.keyFiles = append(c.keyFiles, pathutil.ExpandHome(path))
	return c
}

// WithPassphrase sets the passphrase for encrypted private keys.
func (c *Credential) WithPassphrase(passphrase string) *Credential {
	c.passphrase = passphrase
	return c
}

// WithMethods replaces the method attempt order.
func (c *Credential) WithMethods(methods ...Method) *Credential {
	c.methods = methods
	return c
}

// WithConnectTimeout sets the TCP dial timeout.
func (c *Credential) WithConnectTimeout(d time.Duration) *Credential {
	c.connectTimeout = d
	return c
}

// WithHandshakeTimeout sets the transport handshake timeout.
func (c *Credential) WithHandshakeTimeout(d time.Duration) *Credential {
	c.handshakeTimeout = d
	return c
}

// WithVerifier sets the host key policy.
func (c *Credential) WithVerifier(v hostkey.Verifier) *Credential {
	c.verifier = v
	return c
}

// WithRelay routes connections through an intermediate host.
func (c *Credential) WithRelay(relay endpoint.Endpoint) *Credential {
	c.relay = relay
	return c
}

// WithoutRelay returns a copy of the credential with no relay, for
// authenticating to the relay host itself.
func (c *Credential) WithoutRelay() *Credential {
	clone := *c
	clone.relay = endpoint.Endpoint{}
	return &clone
}

// User returns the username: the explicit value, then $USER, then "root".
func (c *Credential) User() string {
	if c.user != "" {
		return c.user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

// Password returns the stored password, which may be empty.
func (c *Credential) Password() string { return c.password }

// Prompt returns the password callback, or nil.
func (c *Credential) Prompt() PromptFunc { return c.prompt }

// Methods returns the attempt order.
func (c *Credential) Methods() []Method { return c.methods }

// ConnectTimeout returns the TCP dial timeout.
func (c *Credential) ConnectTimeout() time.Duration { return c.connectTimeout }

// HandshakeTimeout returns the transport handshake timeout.
func (c *Credential) HandshakeTimeout() time.Duration { return c.handshakeTimeout }

// Verifier returns the host key policy, or nil if none was set.
func (c *Credential) Verifier() hostkey.Verifier { return c.verifier }

// Relay returns the intermediate host, if one was set.
func (c *Credential) Relay() (endpoint.Endpoint, bool) {
	return c.relay, !c.relay.IsZero()
}

// FromSSHConfig fills unset fields from ~/.ssh/config for the given host
// alias: User when no username is set, IdentityFile when no explicit key
// material is set. Explicit values always win over ssh_config.
func (c *Credential) FromSSHConfig(host string) *Credential {
	if c.user == "" {
		c.user = sshConfigGet(host, "User")
	}
	if c.keyBytes == nil && len(c.keyFiles) == 0 {
		if identity := sshConfigGet(host, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				c.keyFiles = append(c.keyFiles, expanded)
			}
		}
	}
	return c
}

// SSHConfigPort returns the port ssh would use for a host alias, falling
// back to 22 when ssh_config has nothing usable.
func SSHConfigPort(host string) int {
	var port int
	if _, err := fmt.Sscanf(sshConfigGet(host, "Port"), "%d", &port); err != nil || port <= 0 {
		return 22
	}
	return port
}

// SSHConfigHostname returns the Hostname directive for a host alias, or ""
// when the alias maps to itself.
func SSHConfigHostname(host string) string {
	hostname := sshConfigGet(host, "Hostname")
	if hostname == host {
		return ""
	}
	return hostname
}

// sshConfigGet looks up a key for a host in the user's SSH config. A fresh
// settings instance follows $HOME on every call; the package-level lookup
// resolves the home directory once and caches the parsed file for the life
// of the process.
func sshConfigGet(host, key string) string {
	settings := &sshconfig.UserSettings{}
	settings.ConfigFinder(func() string {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, ".ssh", "config")
	})
	val, err := settings.GetStrict(host, key)
	if err != nil {
		return ""
	}
	return val
}
