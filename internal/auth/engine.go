// Package auth drives ordered authentication attempts against an endpoint,
// remembering the last method that worked there.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"

	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/hostkey"
)

var logger = loggo.GetLogger("tether.auth")

// DialFunc supplies a raw transport connection for one handshake attempt.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Engine runs a credential's methods in order against an endpoint, one
// transport handshake per attempt. It keeps a cache of the last method that
// succeeded per endpoint and tries that one first on later calls. One engine
// serves one registry; there is no process-wide state.
type Engine struct {
	mu   sync.RWMutex
	last map[string]credential.Method
}

// NewEngine returns an engine with an empty success cache.
func NewEngine() *Engine {
	return &Engine{last: make(map[string]credential.Method)}
}

// Lookup returns the last method that authenticated the endpoint.
func (e *Engine) Lookup(ep endpoint.Endpoint) (credential.Method, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.last[ep.String()]
	return m, ok
}

// Remember records the method that authenticated the endpoint.
func (e *Engine) Remember(ep endpoint.Endpoint, m credential.Method) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last[ep.String()] = m
}

// Authenticate tries the credential's methods in order until one is accepted,
// consulting the success cache first. The bool reports the outcome: false
// with a nil error means every method was tried and none was accepted, which
// callers treat as a decision point rather than a failure. Individual method
// failures are swallowed; failing to reach the endpoint at all, host key
// rejection, and cancellation of ctx abort the loop as errors. Each method is
// attempted at most once per call.
func (e *Engine) Authenticate(ctx context.Context, ep endpoint.Endpoint, cred *credential.Credential, dial DialFunc) (*ssh.Client, bool, error) {
	if cred.Verifier() == nil {
		return nil, false, errors.New("credential has no host key verifier")
	}
	cb := hostkey.Callback(cred.Verifier())

	tried := credential.Method(-1)
	if m, ok := e.Lookup(ep); ok {
		client, err := e.attempt(ctx, ep, cred, m, cb, dial)
		if err == nil {
			logger.Debugf("authenticated %s as %s via cached method %s", ep, cred.User(), m)
			return client, true, nil
		}
		if aerr := abortable(ctx, err); aerr != nil {
			return nil, false, aerr
		}
		logger.Debugf("cached method %s failed for %s: %v", m, ep, err)
		tried = m
	}

	for _, m := range cred.Methods() {
		if m == tried {
			continue
		}
		client, err := e.attempt(ctx, ep, cred, m, cb, dial)
		if err == nil {
			e.Remember(ep, m)
			logger.Debugf("authenticated %s as %s via %s", ep, cred.User(), m)
			return client, true, nil
		}
		if aerr := abortable(ctx, err); aerr != nil {
			return nil, false, aerr
		}
		logger.Debugf("method %s failed for %s: %v", m, ep, err)
	}
	return nil, false, nil
}

// attempt performs one handshake carrying exactly one method.
func (e *Engine) attempt(ctx context.Context, ep endpoint.Endpoint, cred *credential.Credential, m credential.Method, cb ssh.HostKeyCallback, dial DialFunc) (*ssh.Client, error) {
	methods, err := buildMethod(ep, cred, m)
	if err != nil {
		return nil, err
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, &dialError{err}
	}

	conf := &ssh.ClientConfig{
		User:            cred.User(),
		Auth:            methods,
		HostKeyCallback: cb,
	}

	hctx := ctx
	if t := cred.HandshakeTimeout(); t > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	client, err := handshake(hctx, conn, ep.String(), conf)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// dialError marks a failure to reach the endpoint at all, as opposed to the
// endpoint declining a method. Retrying the remaining methods would just
// re-dial a dead host.
type dialError struct{ err error }

func (d *dialError) Error() string { return fmt.Sprintf("dial: %v", d.err) }
func (d *dialError) Unwrap() error { return d.err }

// abortable picks out the failures that stop the attempt loop: an unreachable
// endpoint, host key rejection, and cancellation of the caller's context. A
// handshake-timeout expiry is a per-attempt failure, not an abort, so only
// the caller's ctx is consulted here.
func abortable(ctx context.Context, err error) error {
	var de *dialError
	if errors.As(err, &de) {
		return de
	}
	var rej *hostkey.RejectError
	if errors.As(err, &rej) {
		return rej
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// buildMethod produces the auth payload for one method, or an error when the
// credential has nothing to offer it.
func buildMethod(ep endpoint.Endpoint, cred *credential.Credential, m credential.Method) ([]ssh.AuthMethod, error) {
	switch m {
	case credential.None:
		// An empty auth list makes the transport offer "none" on its own.
		return nil, nil

	case credential.Password:
		if cred.Password() != "" {
			return []ssh.AuthMethod{ssh.Password(cred.Password())}, nil
		}
		if prompt := cred.Prompt(); prompt != nil {
			host := ep.Host
			return []ssh.AuthMethod{ssh.PasswordCallback(func() (string, error) {
				return prompt(host)
			})}, nil
		}
		return nil, errors.New("no password available")

	case credential.Interactive:
		if cred.Password() == "" && cred.Prompt() == nil {
			return nil, errors.New("no password available for keyboard-interactive")
		}
		return []ssh.AuthMethod{ssh.KeyboardInteractive(answerWith(ep.Host, cred))}, nil

	case credential.PublicKey:
		signers, err := cred.Signers()
		if err != nil {
			return nil, err
		}
		if len(signers) == 0 {
			return nil, errors.New("no keys available")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil

	default:
		return nil, fmt.Errorf("unknown auth method %v", m)
	}
}

// answerWith replies to every keyboard-interactive question with the
// credential's password, prompting when none is stored.
func answerWith(host string, cred *credential.Credential) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			if cred.Password() != "" {
				answers[i] = cred.Password()
				continue
			}
			pw, err := cred.Prompt()(host)
			if err != nil {
				return nil, err
			}
			answers[i] = pw
		}
		return answers, nil
	}
}

// handshake performs the transport handshake with cancellation support.
func handshake(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return ssh.NewClient(r.conn, r.chans, r.reqs), nil
	}
}
