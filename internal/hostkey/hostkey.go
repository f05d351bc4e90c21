// Package hostkey implements host key verification policies: trust-all,
// known_hosts backed, and authorized_keys backed.
package hostkey

import (
	"fmt"
	"net"

	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"
)

var logger = loggo.GetLogger("tether.hostkey")

// Verifier decides whether a remote endpoint's presented host key is trusted.
// A nil return accepts the key.
type Verifier interface {
	Verify(hostname string, remote net.Addr, key ssh.PublicKey) error
}

// RejectError marks a handshake failure as a host key rejection, so callers
// can tell a trust decision apart from ordinary authentication failures.
type RejectError struct {
	Hostname string
	Err      error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("host key for %s rejected: %v", e.Hostname, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Callback adapts a Verifier to the ssh.HostKeyCallback the transport wants.
// Verification failures come back as *RejectError.
func Callback(v Verifier) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := v.Verify(hostname, remote, key); err != nil {
			return &RejectError{Hostname: hostname, Err: err}
		}
		return nil
	}
}

// trustAll accepts every host key.
type trustAll struct{}

func (trustAll) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	logger.Debugf("accepting host key %s for %s without verification", ssh.FingerprintSHA256(key), hostname)
	return nil
}

// TrustAll returns a Verifier that accepts any host key. It offers no
// protection against man-in-the-middle attacks and is meant for tests and
// explicitly ephemeral trust domains only.
func TrustAll() Verifier {
	return trustAll{}
}
