package hostkey_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tetherproj/tether/internal/hostkey"
)

const testHost = "db1.internal:22"

func writeKnownHosts(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

func TestKnownHostsMatch(t *testing.T) {
	key := genKey(t)
	path := writeKnownHosts(t, knownhosts.Line([]string{testHost}, key))

	v, err := hostkey.NewKnownHosts(path)
	if err != nil {
		t.Fatalf("new known hosts: %v", err)
	}
	if err := v.Verify(testHost, fakeRemote(), key); err != nil {
		t.Fatalf("matching key rejected: %v", err)
	}
}

func TestKnownHostsUnknownRejected(t *testing.T) {
	path := writeKnownHosts(t, knownhosts.Line([]string{testHost}, genKey(t)))

	v, err := hostkey.NewKnownHosts(path)
	if err != nil {
		t.Fatalf("new known hosts: %v", err)
	}

	err = v.Verify("stranger.internal:22", fakeRemote(), genKey(t))
	if err == nil {
		t.Fatal("unknown host accepted by strict verifier")
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("error %T, want *knownhosts.KeyError", err)
	}
	if len(keyErr.Want) != 0 {
		t.Fatalf("unknown host reported %d stored keys, want 0", len(keyErr.Want))
	}
}

func TestKnownHostsChangedRejected(t *testing.T) {
	path := writeKnownHosts(t, knownhosts.Line([]string{testHost}, genKey(t)))

	v, err := hostkey.NewKnownHosts(path)
	if err != nil {
		t.Fatalf("new known hosts: %v", err)
	}

	err = v.Verify(testHost, fakeRemote(), genKey(t))
	if err == nil {
		t.Fatal("changed key accepted by strict verifier")
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("error %T, want *knownhosts.KeyError", err)
	}
	if len(keyErr.Want) == 0 {
		t.Fatal("changed key reported no stored keys, want at least one")
	}
}

func TestKnownHostsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")

	if _, err := hostkey.NewKnownHosts(path); err == nil {
		t.Fatal("strict verifier opened a missing file")
	}

	v, err := hostkey.NewKnownHosts(path, hostkey.LearnUnknown())
	if err != nil {
		t.Fatalf("learning verifier failed on missing file: %v", err)
	}
	if err := v.Verify(testHost, fakeRemote(), genKey(t)); err != nil {
		t.Fatalf("first contact rejected by learning verifier: %v", err)
	}
}

func TestKnownHostsLearnUnknown(t *testing.T) {
	key := genKey(t)
	path := writeKnownHosts(t, knownhosts.Line([]string{"other.internal:22"}, genKey(t)))

	v, err := hostkey.NewKnownHosts(path, hostkey.LearnUnknown())
	if err != nil {
		t.Fatalf("new known hosts: %v", err)
	}
	if err := v.Verify(testHost, fakeRemote(), key); err != nil {
		t.Fatalf("first contact rejected: %v", err)
	}
	// Learned entries serve later lookups on the same verifier.
	if err := v.Verify(testHost, fakeRemote(), key); err != nil {
		t.Fatalf("learned key rejected on second lookup: %v", err)
	}
	// A different key for the learned host is still a mismatch.
	if err := v.Verify(testHost, fakeRemote(), genKey(t)); err == nil {
		t.Fatal("learning verifier accepted a changed key")
	}

	// The entry persisted to disk.
	strict, err := hostkey.NewKnownHosts(path)
	if err != nil {
		t.Fatalf("reopen known hosts: %v", err)
	}
	if err := strict.Verify(testHost, fakeRemote(), key); err != nil {
		t.Fatalf("learned key rejected by fresh verifier: %v", err)
	}
	if err := strict.Verify("stranger.internal:22", fakeRemote(), genKey(t)); err == nil {
		t.Fatal("fresh verifier accepted an unknown host")
	}
}

func TestKnownHostsReplaceChanged(t *testing.T) {
	oldKey := genKey(t)
	newKey := genKey(t)
	keepKey := genKey(t)
	path := writeKnownHosts(t,
		knownhosts.Line([]string{"other.internal:22"}, keepKey),
		knownhosts.Line([]string{testHost}, oldKey),
	)

	v, err := hostkey.NewKnownHosts(path, hostkey.ReplaceChanged())
	if err != nil {
		t.Fatalf("new known hosts: %v", err)
	}
	if err := v.Verify(testHost, fakeRemote(), newKey); err != nil {
		t.Fatalf("changed key rejected by replacing verifier: %v", err)
	}
	// Replacement is exclusive: the old key no longer verifies.
	if err := v.Verify(testHost, fakeRemote(), oldKey); err == nil {
		t.Fatal("old key still accepted after replacement")
	}
	// Unrelated entries survive the rewrite.
	if err := v.Verify("other.internal:22", fakeRemote(), keepKey); err != nil {
		t.Fatalf("unrelated entry lost during replacement: %v", err)
	}

	strict, err := hostkey.NewKnownHosts(path)
	if err != nil {
		t.Fatalf("reopen known hosts: %v", err)
	}
	if err := strict.Verify(testHost, fakeRemote(), newKey); err != nil {
		t.Fatalf("replacement key rejected by fresh verifier: %v", err)
	}
	// Replacing changed keys does not imply learning unknown hosts.
	if err := v.Verify("stranger.internal:22", fakeRemote(), genKey(t)); err == nil {
		t.Fatal("replacing verifier accepted an unknown host")
	}
}
