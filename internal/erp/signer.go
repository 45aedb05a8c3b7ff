package erp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signing errors.
var (
	// ErrCredentialsIncomplete indicates one of the four token-based
	// credential parts is missing.
	ErrCredentialsIncomplete = errors.New("ERP credentials are incomplete")

	// ErrRequestURLInvalid indicates the request URL could not be parsed for
	// signing.
	ErrRequestURLInvalid = errors.New("request URL is invalid")
)

const (
	signatureMethod = "HMAC-SHA256"
	oauthVersion    = "1.0"
	nonceBytes      = 16
)

type (
	// Credentials are the token-based authentication parts for the ERP's
	// upsert endpoint: a consumer pair identifying the integration and a
	// token pair identifying the grant. Realm scopes the header to the ERP
	// account.
	Credentials struct {
		ConsumerKey    string
		ConsumerSecret string
		TokenID        string
		TokenSecret    string
		Realm          string
	}

	// Signer produces the Authorization header for upsert requests.
	//
	// The signature follows the OAuth 1.0a construction with HMAC-SHA256:
	// percent-encoded parameters (query plus the oauth_* set) sorted and
	// joined into a base string with the method and normalized URL, signed
	// with the encoded consumer and token secrets. Nonce and timestamp
	// sources are injectable so tests can assert exact signatures.
	Signer struct {
		credentials Credentials
		nonce       func() (string, error)
		now         func() time.Time
	}

	// SignerOption configures a Signer.
	SignerOption func(*Signer)
)

// Validate checks that every credential part needed for signing is present.
// Realm is optional.
func (c Credentials) Validate() error {
	missing := make([]string, 0, 4)

	if strings.TrimSpace(c.ConsumerKey) == "" {
		missing = append(missing, "consumer key")
	}

	if strings.TrimSpace(c.ConsumerSecret) == "" {
		missing = append(missing, "consumer secret")
	}

	if strings.TrimSpace(c.TokenID) == "" {
		missing = append(missing, "token id")
	}

	if strings.TrimSpace(c.TokenSecret) == "" {
		missing = append(missing, "token secret")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrCredentialsIncomplete, strings.Join(missing, ", "))
	}

	return nil
}

// WithNonceSource overrides the nonce generator (tests).
func WithNonceSource(nonce func() (string, error)) SignerOption {
	return func(s *Signer) {
		s.nonce = nonce
	}
}

// WithTimestampSource overrides the timestamp clock (tests).
func WithTimestampSource(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a signer for the given credentials.
func NewSigner(credentials Credentials, opts ...SignerOption) (*Signer, error) {
	if err := credentials.Validate(); err != nil {
		return nil, err
	}

	signer := &Signer{
		credentials: credentials,
		nonce:       randomNonce,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(signer)
	}

	return signer, nil
}

// Authorization builds the OAuth Authorization header for one request.
//
// method is the HTTP method, rawURL the full request URL including its query
// string. Query parameters participate in the signature; the JSON body does
// not, per the endpoint's contract.
func (s *Signer) Authorization(method, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequestURLInvalid, err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: '%s' is not absolute", ErrRequestURLInvalid, rawURL)
	}

	nonce, err := s.nonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.credentials.ConsumerKey,
		"oauth_token":            s.credentials.TokenID,
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_nonce":            nonce,
		"oauth_version":          oauthVersion,
	}

	signature := s.sign(method, parsed, oauthParams)

	return buildHeader(s.credentials.Realm, oauthParams, signature), nil
}

// sign computes the base-string signature over method, normalized URL, and
// the combined parameter set.
func (s *Signer) sign(method string, parsed *url.URL, oauthParams map[string]string) string {
	params := make([][2]string, 0, len(oauthParams)+8)

	for key, values := range parsed.Query() {
		for _, value := range values {
			params = append(params, [2]string{percentEncode(key), percentEncode(value)})
		}
	}

	for key, value := range oauthParams {
		params = append(params, [2]string{percentEncode(key), percentEncode(value)})
	}

	sort.Slice(params, func(i, j int) bool {
		if params[i][0] != params[j][0] {
			return params[i][0] < params[j][0]
		}

		return params[i][1] < params[j][1]
	})

	pairs := make([]string, len(params))
	for i, p := range params {
		pairs[i] = p[0] + "=" + p[1]
	}

	base := strings.ToUpper(method) +
		"&" + percentEncode(normalizeURL(parsed)) +
		"&" + percentEncode(strings.Join(pairs, "&"))

	key := percentEncode(s.credentials.ConsumerSecret) + "&" + percentEncode(s.credentials.TokenSecret)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(base))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// buildHeader renders the OAuth Authorization header with the realm first
// and the oauth parameters in a stable order.
func buildHeader(realm string, oauthParams map[string]string, signature string) string {
	ordered := []string{
		"oauth_consumer_key",
		"oauth_token",
		"oauth_signature_method",
		"oauth_timestamp",
		"oauth_nonce",
		"oauth_version",
	}

	parts := make([]string, 0, len(ordered)+2)

	if realm != "" {
		parts = append(parts, `realm="`+percentEncode(realm)+`"`)
	}

	for _, key := range ordered {
		parts = append(parts, key+`="`+percentEncode(oauthParams[key])+`"`)
	}

	parts = append(parts, `oauth_signature="`+percentEncode(signature)+`"`)

	return "OAuth " + strings.Join(parts, ", ")
}

// normalizeURL renders the signature form of the URL: lowercase scheme and
// host, default ports stripped, query and fragment excluded.
func normalizeURL(parsed *url.URL) string {
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)

	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}

	return scheme + "://" + host + parsed.EscapedPath()
}

// percentEncode applies the unreserved-character-set encoding the signature
// base string requires. This is stricter than url.QueryEscape: spaces become
// %20 and every reserved byte is encoded.
func percentEncode(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c >= 'A' && c <= 'Z',
			c >= 'a' && c <= 'z',
			c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString("%" + strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}

	return b.String()
}

// randomNonce returns a hex nonce from the system's CSPRNG.
func randomNonce() (string, error) {
	buf := make([]byte, nonceBytes)

	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}
