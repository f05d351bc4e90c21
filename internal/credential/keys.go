package credential

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Signers resolves the private keys for the public-key method. Explicit
// material (WithKeyBytes, WithKeyFile) is used alone when present; otherwise
// the SSH agent and the default key files are consulted. An empty result with
// a nil error means the method has nothing to offer.
func (c *Credential) Signers() ([]ssh.Signer, error) {
	if c.keyBytes != nil {
		signer, err := c.parseKey(c.keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.Signer{signer}, nil
	}

	if len(c.keyFiles) > 0 {
		var signers []ssh.Signer
		for _, path := range c.keyFiles {
			signer, err := c.loadKeyFile(path)
			if err != nil {
				logger.Debugf("skipping key file %s: %v", path, err)
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) == 0 {
			return nil, fmt.Errorf("no usable key among %d configured key files", len(c.keyFiles))
		}
		return signers, nil
	}

	// No explicit material: agent keys first, then default key files.
	signers := agentSigners()
	for _, path := range defaultKeyFiles() {
		signer, err := c.loadKeyFile(path)
		if err != nil {
			logger.Debugf("skipping key file %s: %v", path, err)
			continue
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func (c *Credential) parseKey(data []byte) (ssh.Signer, error) {
	if c.passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(c.passphrase))
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("key is passphrase protected and no passphrase is set")
		}
		return nil, err
	}
	return signer, nil
}

func (c *Credential) loadKeyFile(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.parseKey(data)
}

// defaultKeyFiles returns the standard key locations that exist on disk.
func defaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var files []string
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return files
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
// This is a no-op if no agent connection has been established.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// agentSigners returns the agent's signers, or nil when the agent is
// unavailable or holds no keys.
func agentSigners() []ssh.Signer {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	// If we have an existing client, check its health.
	if sharedAgent.client != nil {
		if _, err := sharedAgent.client.List(); err == nil {
			return liveAgentSigners()
		}
		// Stale connection, close and redial.
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		logger.Debugf("ssh agent unavailable at %s: %v", sock, err)
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)
	return liveAgentSigners()
}

// liveAgentSigners lists the connected agent's signers. Caller holds the lock.
func liveAgentSigners() []ssh.Signer {
	signers, err := sharedAgent.client.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}
	return signers
}
