package client

import "strings"

// Phone normalization for the messaging gateway. The rules are fixed by the
// gateway's numbering plan:
//
//   - strip all non-digit characters
//   - 8-digit local numbers get the country code prefixed
//   - numbers already carrying the country code pass through
//   - a leading "00" international prefix is stripped first
//   - anything else without the country prefix gets it forced on
//
// NormalizePhone returns the digits-only form used in API calls (no "+").

// NormalizePhone normalizes raw input to digits-only with the country code.
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	if len(digits) == 8 {
		return countryCode + digits
	}
	digits = strings.TrimPrefix(digits, "00")
	if !strings.HasPrefix(digits, countryCode) {
		return countryCode + digits
	}
	return digits
}

// FormatPhone renders a normalized number for display: "+<cc> XXXX XXXX".
// Local parts that are not 8 digits are left unsplit after the country code.
func FormatPhone(digits, countryCode string) string {
	if digits == "" {
		return ""
	}
	local := strings.TrimPrefix(digits, countryCode)
	if len(local) == 8 {
		return "+" + countryCode + " " + local[:4] + " " + local[4:]
	}
	return "+" + countryCode + " " + local
}
