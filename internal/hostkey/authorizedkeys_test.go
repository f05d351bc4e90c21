package hostkey_test

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/tetherproj/tether/internal/hostkey"
)

func writeAuthorizedKeys(t *testing.T, name string, keys ...ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	var content []byte
	for _, k := range keys {
		content = append(content, ssh.MarshalAuthorizedKey(k)...)
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestAuthorizedKeys(t *testing.T) {
	key1 := genKey(t)
	key2 := genKey(t)
	path := writeAuthorizedKeys(t, "trusted_keys", key1, key2)

	v, err := hostkey.NewAuthorizedKeys(path)
	if err != nil {
		t.Fatalf("new authorized keys: %v", err)
	}
	if got := v.Len(); got != 2 {
		t.Fatalf("loaded %d keys, want 2", got)
	}

	// A listed key verifies for any hostname.
	for _, host := range []string{"db1.internal:22", "web7.internal:2200"} {
		if err := v.Verify(host, fakeRemote(), key1); err != nil {
			t.Fatalf("listed key rejected for %s: %v", host, err)
		}
	}
	if err := v.Verify("db1.internal:22", fakeRemote(), key2); err != nil {
		t.Fatalf("second listed key rejected: %v", err)
	}
	if err := v.Verify("db1.internal:22", fakeRemote(), genKey(t)); err == nil {
		t.Fatal("unlisted key accepted")
	}
}

func TestAuthorizedKeysAddFile(t *testing.T) {
	key1 := genKey(t)
	key2 := genKey(t)
	path1 := writeAuthorizedKeys(t, "first", key1)
	path2 := writeAuthorizedKeys(t, "second", key2)

	v, err := hostkey.NewAuthorizedKeys(path1)
	if err != nil {
		t.Fatalf("new authorized keys: %v", err)
	}
	if err := v.Verify("h:22", fakeRemote(), key2); err == nil {
		t.Fatal("key accepted before its file was added")
	}

	if err := v.AddFile(path2); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := v.Verify("h:22", fakeRemote(), key2); err != nil {
		t.Fatalf("key rejected after adding its file: %v", err)
	}
	if err := v.Verify("h:22", fakeRemote(), key1); err != nil {
		t.Fatalf("original key lost after adding a file: %v", err)
	}
	if got := v.Len(); got != 2 {
		t.Fatalf("have %d keys after add, want 2", got)
	}
}

func TestAuthorizedKeysBadInput(t *testing.T) {
	if _, err := hostkey.NewAuthorizedKeys(); err == nil {
		t.Fatal("constructor accepted zero files")
	}

	missing := filepath.Join(t.TempDir(), "nope")
	if _, err := hostkey.NewAuthorizedKeys(missing); err == nil {
		t.Fatal("constructor accepted a missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("# comments only\n"), 0600); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	if _, err := hostkey.NewAuthorizedKeys(empty); err == nil {
		t.Fatal("constructor accepted a file with no keys")
	}
}
