package erp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSigner returns a signer with deterministic nonce and timestamp sources
// so tests can assert exact header content.
func fixedSigner(t *testing.T, creds Credentials) *Signer {
	t.Helper()

	signer, err := NewSigner(creds,
		WithNonceSource(func() (string, error) { return "abc123", nil }),
		WithTimestampSource(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	require.NoError(t, err)

	return signer
}

func testCredentials() Credentials {
	return Credentials{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		TokenID:        "tk",
		TokenSecret:    "ts",
		Realm:          "1234567",
	}
}

func TestCredentials_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		mutate      func(*Credentials)
		wantErr     bool
		errMentions string
	}{
		{"complete", func(c *Credentials) {}, false, ""},
		{"no realm is fine", func(c *Credentials) { c.Realm = "" }, false, ""},
		{"missing consumer key", func(c *Credentials) { c.ConsumerKey = "" }, true, "consumer key"},
		{"missing consumer secret", func(c *Credentials) { c.ConsumerSecret = "  " }, true, "consumer secret"},
		{"missing token id", func(c *Credentials) { c.TokenID = "" }, true, "token id"},
		{"missing token secret", func(c *Credentials) { c.TokenSecret = "" }, true, "token secret"},
		{
			"all missing lists every part",
			func(c *Credentials) { *c = Credentials{} },
			true,
			"consumer key, consumer secret, token id, token secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := testCredentials()
			tt.mutate(&creds)

			err := creds.Validate()

			if !tt.wantErr {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCredentialsIncomplete), "Should wrap ErrCredentialsIncomplete") //nolint:testifylint
			assert.Contains(t, err.Error(), tt.errMentions)
		})
	}
}

func TestNewSigner_RejectsIncompleteCredentials(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewSigner(Credentials{ConsumerKey: "only"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredentialsIncomplete)) //nolint:testifylint
}

func TestSigner_Authorization_HeaderShape(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	signer := fixedSigner(t, testCredentials())

	header, err := signer.Authorization("POST", "https://example.com/upsert?script=99&deploy=1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, "OAuth "), "header must use the OAuth scheme")
	assert.True(t, strings.HasPrefix(header, `OAuth realm="1234567", `), "realm must lead the parameter list")

	for _, fragment := range []string{
		`oauth_consumer_key="ck"`,
		`oauth_token="tk"`,
		`oauth_signature_method="HMAC-SHA256"`,
		`oauth_timestamp="1700000000"`,
		`oauth_nonce="abc123"`,
		`oauth_version="1.0"`,
		`oauth_signature="`,
	} {
		assert.Contains(t, header, fragment)
	}
}

func TestSigner_Authorization_OmitsEmptyRealm(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	creds := testCredentials()
	creds.Realm = ""

	header, err := fixedSigner(t, creds).Authorization("POST", "https://example.com/upsert")
	require.NoError(t, err)

	assert.NotContains(t, header, "realm=")
	assert.True(t, strings.HasPrefix(header, `OAuth oauth_consumer_key=`))
}

// TestSigner_Authorization_SignatureConstruction pins the base-string
// construction against an independently computed signature: sorted
// percent-encoded parameters, method and normalized URL, secrets joined
// with '&' as the HMAC key.
func TestSigner_Authorization_SignatureConstruction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	signer := fixedSigner(t, testCredentials())

	header, err := signer.Authorization("POST", "https://example.com/upsert?script=99&deploy=1")
	require.NoError(t, err)

	// Parameters sorted by encoded name: deploy, oauth_*, script.
	baseString := "POST&https%3A%2F%2Fexample.com%2Fupsert&" +
		"deploy%3D1" +
		"%26oauth_consumer_key%3Dck" +
		"%26oauth_nonce%3Dabc123" +
		"%26oauth_signature_method%3DHMAC-SHA256" +
		"%26oauth_timestamp%3D1700000000" +
		"%26oauth_token%3Dtk" +
		"%26oauth_version%3D1.0" +
		"%26script%3D99"

	mac := hmac.New(sha256.New, []byte("cs&ts"))
	mac.Write([]byte(baseString))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got := extractSignature(t, header)
	assert.Equal(t, expected, got, "signature must match the OAuth base-string construction")
}

func TestSigner_Authorization_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	signer := fixedSigner(t, testCredentials())

	first, err := signer.Authorization("POST", "https://example.com/upsert?script=99")
	require.NoError(t, err)

	second, err := signer.Authorization("POST", "https://example.com/upsert?script=99")
	require.NoError(t, err)

	assert.Equal(t, first, second, "fixed nonce and timestamp must produce identical headers")

	changedQuery, err := signer.Authorization("POST", "https://example.com/upsert?script=100")
	require.NoError(t, err)

	assert.NotEqual(t, extractSignature(t, first), extractSignature(t, changedQuery),
		"query parameters participate in the signature")
}

func TestSigner_Authorization_NormalizesURL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	signer := fixedSigner(t, testCredentials())

	plain, err := signer.Authorization("POST", "https://example.com/upsert")
	require.NoError(t, err)

	tests := []struct {
		name string
		url  string
	}{
		{"default https port stripped", "https://example.com:443/upsert"},
		{"host case folded", "https://EXAMPLE.COM/upsert"},
		{"scheme case folded", "HTTPS://example.com/upsert"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variant, err := signer.Authorization("POST", tt.url)
			require.NoError(t, err)

			assert.Equal(t, extractSignature(t, plain), extractSignature(t, variant))
		})
	}
}

func TestSigner_Authorization_RejectsBadURLs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	signer := fixedSigner(t, testCredentials())

	tests := []struct {
		name string
		url  string
	}{
		{"relative path", "/upsert"},
		{"missing scheme", "example.com/upsert"},
		{"unparseable", "://nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Authorization("POST", tt.url)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRequestURLInvalid), "Should wrap ErrRequestURLInvalid") //nolint:testifylint
		})
	}
}

func TestPercentEncode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		input string
		want  string
	}{
		{"abc123", "abc123"},
		{"-._~", "-._~"},
		{"a b", "a%20b"},
		{"a+b", "a%2Bb"},
		{"a&b=c", "a%26b%3Dc"},
		{"https://x", "https%3A%2F%2Fx"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := percentEncode(tt.input)
			if got != tt.want {
				t.Errorf("percentEncode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRandomNonce_Unique(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first, err := randomNonce()
	require.NoError(t, err)

	second, err := randomNonce()
	require.NoError(t, err)

	assert.Len(t, first, nonceBytes*2, "nonce should be hex of nonceBytes bytes")
	assert.NotEqual(t, first, second)
}

var signaturePattern = regexp.MustCompile(`oauth_signature="([^"]+)"`)

// extractSignature pulls the percent-decoded signature out of a header.
func extractSignature(t *testing.T, header string) string {
	t.Helper()

	matches := signaturePattern.FindStringSubmatch(header)
	require.Len(t, matches, 2, "header must carry oauth_signature")

	decoded, err := url.PathUnescape(matches[1])
	require.NoError(t, err)

	return decoded
}
