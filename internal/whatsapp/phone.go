package whatsapp

import "strings"

// NormalizePhone strips everything but digits. A bare 10-digit national
// number gets the channel's calling code prefixed; anything longer is taken
// to be international already and is left alone.
func NormalizePhone(countryCode, raw string) string {
	digits := onlyDigits(raw)
	if len(digits) == 10 {
		if cc := onlyDigits(countryCode); cc != "" {
			return cc + digits
		}
	}
	return digits
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
