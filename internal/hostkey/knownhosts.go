package hostkey

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHosts verifies host keys against an OpenSSH known_hosts file.
// The default policy is strict: unknown hosts and changed keys are both
// rejected. The Learn and Replace options relax that per direction.
type KnownHosts struct {
	path string

	// learnUnknown appends and accepts keys for hosts not yet in the file.
	learnUnknown bool
	// replaceChanged rewrites and accepts keys that differ from the stored one.
	replaceChanged bool

	mu sync.Mutex
	cb ssh.HostKeyCallback
}

// KnownHostsOption configures a KnownHosts verifier.
type KnownHostsOption func(*KnownHosts)

// LearnUnknown makes first-contact hosts trusted: their key is appended to the
// file and the connection accepted.
func LearnUnknown() KnownHostsOption {
	return func(k *KnownHosts) { k.learnUnknown = true }
}

// ReplaceChanged makes changed host keys trusted: the stored entry is replaced
// with the presented key and the connection accepted. Changed keys are how
// man-in-the-middle attacks look; leave this off unless key rotation without
// redistribution is genuinely expected.
func ReplaceChanged() KnownHostsOption {
	return func(k *KnownHosts) { k.replaceChanged = true }
}

// NewKnownHosts loads a known_hosts file. A missing file is an error unless
// LearnUnknown is set, in which case an empty file is created.
func NewKnownHosts(path string, opts ...KnownHostsOption) (*KnownHosts, error) {
	k := &KnownHosts{path: path}
	for _, opt := range opts {
		opt(k)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !k.learnUnknown {
			return nil, fmt.Errorf("no known_hosts file at %s", path)
		}
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return nil, fmt.Errorf("create known_hosts file: %w", err)
		}
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts %s: %w", path, err)
	}
	k.cb = cb
	return k, nil
}

// Verify checks the presented key against the store, applying the learn and
// replace policies on miss and mismatch.
func (k *KnownHosts) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.cb(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}

	if len(keyErr.Want) == 0 {
		// Host not in the file at all.
		if !k.learnUnknown {
			return err
		}
		if lerr := k.appendLine(hostname, key); lerr != nil {
			return fmt.Errorf("learn host key for %s: %w", hostname, lerr)
		}
		logger.Infof("learned host key %s for %s", ssh.FingerprintSHA256(key), hostname)
		return k.reload()
	}

	// Host present but the key differs.
	if !k.replaceChanged {
		return err
	}
	if rerr := k.replaceLines(keyErr, hostname, key); rerr != nil {
		return fmt.Errorf("replace host key for %s: %w", hostname, rerr)
	}
	logger.Warningf("replaced changed host key for %s with %s", hostname, ssh.FingerprintSHA256(key))
	return k.reload()
}

// appendLine adds a known_hosts entry for the given dial address.
// Caller holds k.mu.
func (k *KnownHosts) appendLine(hostname string, key ssh.PublicKey) error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return err
	}

	line := knownhosts.Line([]string{hostname}, key)
	var b strings.Builder
	b.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString(line)
	b.WriteByte('\n')

	return os.WriteFile(k.path, []byte(b.String()), 0600)
}

// replaceLines drops the file lines recorded in the key error and appends a
// fresh entry for the presented key. Caller holds k.mu.
func (k *KnownHosts) replaceLines(keyErr *knownhosts.KeyError, hostname string, key ssh.PublicKey) error {
	drop := make(map[int]bool)
	for _, want := range keyErr.Want {
		if want.Filename == k.path {
			drop[want.Line] = true
		}
	}
	if len(drop) == 0 {
		return fmt.Errorf("stored key is in %s, not %s", keyErr.Want[0].Filename, k.path)
	}

	data, err := os.ReadFile(k.path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	kept := make([]string, 0, len(lines))
	for i, l := range lines {
		// knownhosts reports 1-based line numbers.
		if drop[i+1] {
			continue
		}
		kept = append(kept, l)
	}

	// Trim trailing blank lines before re-appending.
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	kept = append(kept, knownhosts.Line([]string{hostname}, key), "")

	return os.WriteFile(k.path, []byte(strings.Join(kept, "\n")), 0600)
}

// reload re-parses the file after a mutation so subsequent lookups see it.
// Caller holds k.mu.
func (k *KnownHosts) reload() error {
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("reload known_hosts %s: %w", k.path, err)
	}
	k.cb = cb
	return nil
}
