// Package identity canonicalizes probe identifiers and hands out reverse-tunnel ports.
//
// A probe is identified by the MAC address of its wireless interface. The
// storage form ("aabbccddeeff") is the only form persisted or used as a lookup
// key; the display form ("AA:BB:CC:DD:EE:FF") is derived from it for humans.
package identity

import (
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^(([0-9a-fA-F]:?){2}){5}[0-9a-fA-F]{2}$`)

// ValidMAC reports whether s is six hex octet pairs with optional colon separators
func ValidMAC(s string) bool {
	return s != "" && macPattern.MatchString(s)
}

// StorageForm returns the lowercase, colon-free form of a MAC address.
// The input is not validated.
func StorageForm(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), ":", "")
}

// DisplayForm returns the uppercase, colon-separated form of a MAC address
func DisplayForm(mac string) string {
	s := StorageForm(mac)
	pairs := make([]string, 0, len(s)/2+1)
	for i := 0; i < len(s); i += 2 {
		end := min(i+2, len(s))
		pairs = append(pairs, s[i:end])
	}
	return strings.ToUpper(strings.Join(pairs, ":"))
}
