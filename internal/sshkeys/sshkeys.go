// Package sshkeys checks the key strings probes send during association and
// renders them into sshd and ssh client file formats.
package sshkeys

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthorizedKeyRestrictions limits a probe's login to holding open its reverse tunnel
const AuthorizedKeyRestrictions = `command="/bin/false",no-agent-forwarding,no-pty,no-X11-forwarding`

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidHostKey   = errors.New("invalid host key")
)

// The probe's user key is RSA: "ssh-rsa <base64 starting with the encoded
// 'ssh-rsa' length prefix> user@host".
var pubKeyPattern = regexp.MustCompile(`^ssh-rsa AAAAB3NzaC1yc2E[0-9A-Za-z+/]+={0,3} [^@\s]+@[^@\s]+$`)

// Host keys are only accepted for the loopback end of a reverse tunnel.
var hostKeyPattern = regexp.MustCompile(`^localhost ([a-z0-9@.-]+) ([0-9A-Za-z+/]+={0,3})$`)

// ParsePublicKey checks the grammar of a probe user key and decodes it
func ParsePublicKey(s string) (ssh.PublicKey, error) {
	if !pubKeyPattern.MatchString(s) {
		return nil, ErrInvalidPublicKey
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if key.Type() != ssh.KeyAlgoRSA {
		return nil, ErrInvalidPublicKey
	}
	return key, nil
}

// ParseHostKey checks the grammar of a "localhost <algorithm> <base64>" host
// key line and decodes the key
func ParseHostKey(s string) (ssh.PublicKey, error) {
	m := hostKeyPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, ErrInvalidHostKey
	}
	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHostKey, err)
	}
	key, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHostKey, err)
	}
	if key.Type() != m[1] {
		return nil, fmt.Errorf("%w: algorithm %q does not match key type %q", ErrInvalidHostKey, m[1], key.Type())
	}
	return key, nil
}

// KnownHostsLine renders the registry entry trusting hostKey on the
// loopback end of the tunnel at port
func KnownHostsLine(port int, hostKey string) (string, error) {
	key, err := ParseHostKey(hostKey)
	if err != nil {
		return "", err
	}
	addr := knownhosts.Normalize(net.JoinHostPort("localhost", strconv.Itoa(port)))
	return knownhosts.Line([]string{addr}, key), nil
}

// AuthorizedKeyLine renders an sshd authorized_keys entry for a probe key
func AuthorizedKeyLine(pubKey string) string {
	return AuthorizedKeyRestrictions + " " + pubKey
}
