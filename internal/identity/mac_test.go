package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidMAC(t *testing.T) {
	tests := []struct {
		mac   string
		valid bool
	}{
		{"AA:BB:CC:DD:EE:FF", true},
		{"aabbccddeeff", true},
		{"aa:bbcc:dd:eeff", true},
		{"01:23:45:67:89:ab", true},
		{"", false},
		{"AA:BB:CC:DD:EE", false},
		{"AA:BB:CC:DD:EE:FF:00", false},
		{"GG:BB:CC:DD:EE:FF", false},
		{"AA-BB-CC-DD-EE-FF", false},
		{"AA:BB:CC:DD:EE:FF:", false},
		{" AA:BB:CC:DD:EE:FF", false},
	}

	for _, tt := range tests {
		t.Run(tt.mac, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidMAC(tt.mac))
		})
	}
}

func TestStorageAndDisplayForm(t *testing.T) {
	assert.Equal(t, "aabbccddeeff", StorageForm("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "aabbccddeeff", StorageForm("aabbccddeeff"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", DisplayForm("aabbccddeeff"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", DisplayForm("aa:BB:cc:DD:ee:FF"))
}

func TestStorageFormRoundTrip(t *testing.T) {
	for _, mac := range []string{"AA:BB:CC:DD:EE:FF", "aabbccddeeff", "01:23:45:67:89:aB", "0123456789AB", "de:ad:be:efca:fe"} {
		assert.Equal(t, StorageForm(mac), StorageForm(DisplayForm(mac)), mac)
		assert.True(t, ValidMAC(DisplayForm(mac)), mac)
	}
}
