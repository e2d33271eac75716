package auth

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRefreshParts(t *testing.T) {
	cases := []struct {
		in   string
		want RefreshParts
	}{
		{"tok", RefreshParts{RefreshToken: "tok"}},
		{"tok|proj", RefreshParts{RefreshToken: "tok", ProjectID: "proj"}},
		{"tok|proj|managed", RefreshParts{RefreshToken: "tok", ProjectID: "proj", ManagedProjectID: "managed"}},
		{"tok||managed", RefreshParts{RefreshToken: "tok", ManagedProjectID: "managed"}},
		{"", RefreshParts{}},
	}
	for _, c := range cases {
		if got := ParseRefreshParts(c.in); got != c.want {
			t.Errorf("ParseRefreshParts(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestFormatRefreshRoundTrip(t *testing.T) {
	// Well-formed composites round-trip exactly.
	for _, s := range []string{"tok", "tok|proj", "tok|proj|managed", "tok||managed"} {
		if got := FormatRefreshParts(ParseRefreshParts(s)); got != s {
			t.Errorf("round trip of %q produced %q", s, got)
		}
	}

	// Trailing empty segments normalise away.
	if got := FormatRefreshParts(ParseRefreshParts("tok|")); got != "tok" {
		t.Errorf("trailing separator not normalised: %q", got)
	}
	if got := FormatRefreshParts(ParseRefreshParts("tok|proj|")); got != "tok|proj" {
		t.Errorf("trailing separator not normalised: %q", got)
	}
}

func TestGeneratePKCE(t *testing.T) {
	p1, err := GeneratePKCE()
	require.NoError(t, err)
	p2, err := GeneratePKCE()
	require.NoError(t, err)

	require.NotEqual(t, p1.Verifier, p2.Verifier)
	require.NotEmpty(t, p1.Challenge)
	require.NotContains(t, p1.Verifier, "=")
	require.NotContains(t, p1.Challenge, "=")
}

func TestGetAuthorizationURL(t *testing.T) {
	result, err := GetAuthorizationURL("")
	require.NoError(t, err)

	parsed, err := url.Parse(result.URL)
	require.NoError(t, err)

	q := parsed.Query()
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.Equal(t, result.State, q.Get("state"))
	require.True(t, strings.HasPrefix(q.Get("redirect_uri"), "http://localhost:"))
	require.True(t, strings.HasSuffix(q.Get("redirect_uri"), "/oauth-callback"))
}

func TestExtractCodeFromInput(t *testing.T) {
	got, err := ExtractCodeFromInput("http://localhost:51121/oauth-callback?code=4%2F0abcdef&state=xyz")
	require.NoError(t, err)
	require.Equal(t, "4/0abcdef", got.Code)
	require.Equal(t, "xyz", got.State)

	got, err = ExtractCodeFromInput("  4/0raw-code-value  ")
	require.NoError(t, err)
	require.Equal(t, "4/0raw-code-value", got.Code)

	_, err = ExtractCodeFromInput("http://localhost/oauth-callback?error=access_denied")
	require.Error(t, err)

	_, err = ExtractCodeFromInput("short")
	require.Error(t, err)

	_, err = ExtractCodeFromInput("")
	require.Error(t, err)
}
