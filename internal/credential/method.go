package credential

import "fmt"

// Method is one authentication method in a credential's attempt order.
type Method int

const (
	// None requests a session with no authentication payload. Servers with
	// a pre-established trust relationship accept it outright.
	None Method = iota
	// Password sends the credential's password.
	Password
	// Interactive answers keyboard-interactive challenges with the
	// credential's password or prompt callback.
	Interactive
	// PublicKey signs with the credential's key material, falling back to
	// the SSH agent and default key files.
	PublicKey
)

// String returns the method name as used in config files and logs.
func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case Password:
		return "password"
	case Interactive:
		return "interactive"
	case PublicKey:
		return "publickey"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod converts a config-file method name to a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "none":
		return None, nil
	case "password":
		return Password, nil
	case "interactive", "keyboard-interactive":
		return Interactive, nil
	case "publickey", "public-key":
		return PublicKey, nil
	default:
		return 0, fmt.Errorf("unknown auth method %q", s)
	}
}

// ParseMethods converts a list of method names, preserving order.
func ParseMethods(names []string) ([]Method, error) {
	methods := make([]Method, 0, len(names))
	for _, n := range names {
		m, err := ParseMethod(n)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, nil
}

// DefaultMethods returns the standard attempt order.
func DefaultMethods() []Method {
	return []Method{None, Password, Interactive, PublicKey}
}
