// Package keytest generates probe key strings for tests.
package keytest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
	rsaErr  error
)

// UserKey returns an "ssh-rsa <base64> user@host" key line with the given comment.
// The RSA key is generated once per test binary.
func UserKey(t testing.TB, comment string) string {
	t.Helper()
	rsaOnce.Do(func() {
		rsaKey, rsaErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if rsaErr != nil {
		t.Fatalf("generating rsa key: %v", rsaErr)
	}
	pub, err := ssh.NewPublicKey(&rsaKey.PublicKey)
	if err != nil {
		t.Fatalf("converting rsa key: %v", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + comment
}

// HostKey returns a fresh "localhost ssh-ed25519 <base64>" host key line
func HostKey(t testing.TB) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating ed25519 key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("converting ed25519 key: %v", err)
	}
	return "localhost " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}
