package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"9876543210":        "919876543210",
		"+91 98765-43210":   "919876543210",
		"919876543210":      "919876543210",
		"(987) 654-3210":    "919876543210",
		"+1 415 555 0100":   "14155550100",
		"254712345678":      "254712345678",
		"":                  "",
		"abc":               "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizePhone("+91", in), "input %q", in)
	}
}

func TestNormalizePhoneRoundTrip(t *testing.T) {
	local := NormalizePhone("91", "9876543210")
	intl := NormalizePhone("91", local)
	require.Equal(t, local, intl)
}

func TestNormalizePhoneWithoutCountryCode(t *testing.T) {
	require.Equal(t, "9876543210", NormalizePhone("", "9876543210"))
}
