package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"local eight digits", "33123456", "97433123456"},
		{"already has country code", "97433123456", "97433123456"},
		{"international prefix", "0097433123456", "97433123456"},
		{"plus and spaces", "+974 3312 3456", "97433123456"},
		{"dashes", "3312-3456", "97433123456"},
		{"empty", "", ""},
		{"punctuation only", "+- ()", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizePhone(tt.raw, "974"))
		})
	}
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	once := NormalizePhone("+974 3312 3456", "974")
	require.Equal(t, once, NormalizePhone(once, "974"))
}

func TestFormatPhone(t *testing.T) {
	require.Equal(t, "+974 3312 3456", FormatPhone("97433123456", "974"))
	require.Equal(t, "", FormatPhone("", "974"))
}

func TestFormatPhoneRoundTrip(t *testing.T) {
	formatted := FormatPhone(NormalizePhone("33123456", "974"), "974")
	require.Equal(t, "97433123456", NormalizePhone(formatted, "974"))
}
