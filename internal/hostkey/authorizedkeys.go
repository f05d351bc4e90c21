package hostkey

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKeys accepts any host presenting a key from a fixed allow list,
// regardless of hostname. The list is read from files in authorized_keys
// format, one key per line. Useful for fleets sharing a small set of host
// keys where per-host known_hosts entries are not practical.
type AuthorizedKeys struct {
	mu   sync.RWMutex
	keys map[string]string // marshaled key -> source file
}

// NewAuthorizedKeys builds the allow list from the given files. At least one
// file must be given and each must contain at least one parseable key.
func NewAuthorizedKeys(paths ...string) (*AuthorizedKeys, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no authorized keys files given")
	}
	a := &AuthorizedKeys{keys: make(map[string]string)}
	for _, p := range paths {
		if err := a.AddFile(p); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddFile loads additional keys at runtime. Existing entries are kept.
func (a *AuthorizedKeys) AddFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read authorized keys: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return fmt.Errorf("parse authorized keys %s: %w", path, err)
		}
		a.keys[string(key.Marshal())] = path
		n++
		rest = next
	}
	if n == 0 {
		return fmt.Errorf("no keys in %s", path)
	}
	logger.Debugf("loaded %d authorized host keys from %s", n, path)
	return nil
}

// Len reports the number of distinct keys in the allow list.
func (a *AuthorizedKeys) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Verify accepts the key if it is in the allow list.
func (a *AuthorizedKeys) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.keys[string(key.Marshal())]; ok {
		return nil
	}
	return fmt.Errorf("host key %s for %s not in authorized list", ssh.FingerprintSHA256(key), hostname)
}
