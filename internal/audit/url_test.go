package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTargetURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "already absolute", input: "https://example.com/path", want: "https://example.com/path"},
		{name: "missing scheme", input: "example.com", want: "https://example.com"},
		{name: "uppercase host", input: "HTTPS://Example.COM/About", want: "https://example.com/About"},
		{name: "fragment stripped", input: "https://example.com/#top", want: "https://example.com/"},
		{name: "http preserved", input: "http://example.com", want: "http://example.com"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "no host", input: "https:///path", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeTargetURL(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDomainOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  string
	}{
		{input: "https://example.com/path", want: "example.com"},
		{input: "https://www.example.com", want: "example.com"},
		{input: "example.com:8080", want: "example.com"},
		{input: "sub.example.com", want: "sub.example.com"},
	}
	for _, tc := range tests {
		got, err := DomainOf(tc.input)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := DomainOf("")
	require.ErrorIs(t, err, ErrValidation)
}
