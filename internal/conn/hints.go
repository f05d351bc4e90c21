package conn

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tetherproj/tether/internal/hostkey"
)

// Hint returns one line of actionable advice for a connect or authentication
// failure, or "" when the error suggests nothing specific. host is the name
// the user dialed, quoted verbatim in suggested commands.
func Hint(host string, err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	// Host key trouble first: rejections surface as handshake failures and
	// would otherwise be mistaken for bad credentials.
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) > 0 {
			return fmt.Sprintf("remove the old key with: ssh-keygen -R %s", host)
		}
		return fmt.Sprintf("pass --insecure or connect once with: ssh %s", host)
	}
	var rejectErr *hostkey.RejectError
	if errors.As(err, &rejectErr) {
		return fmt.Sprintf("pass --insecure or connect once with: ssh %s", host)
	}
	if strings.Contains(msg, "no known_hosts") || strings.Contains(msg, "knownhosts") {
		return fmt.Sprintf("pass --insecure or connect once with: ssh %s", host)
	}

	if strings.Contains(msg, "permission denied") && strings.Contains(msg, "key") {
		return "check key file permissions (chmod 600)"
	}

	var authErr *AuthError
	if errors.As(err, &authErr) ||
		strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "handshake failed") {
		return fmt.Sprintf("verify your key or agent. Try: ssh -v %s", host)
	}

	if strings.Contains(msg, "connection refused") {
		return "verify an SSH daemon is listening on the target host"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(msg, "no such host") {
		return "verify the hostname is correct"
	}

	return ""
}
