package wire

import (
	"net/url"
	"strings"
)

const (
	// DefaultEndpoint is the provider's bidirectional streaming endpoint.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// DefaultModel is used when the token grant does not pin one.
	DefaultModel = "models/gemini-2.0-flash-live-001"
)

// Credential selects how the websocket dial authenticates. An ephemeral
// access token is preferred; a raw API key is the development fallback and is
// the only mode in which the client sends its own setup frame.
type Credential struct {
	AccessToken string
	APIKey      string
}

// Ephemeral reports whether the credential is a backend-minted token.
func (c Credential) Ephemeral() bool {
	return strings.TrimSpace(c.AccessToken) != ""
}

// Valid reports whether any credential is present.
func (c Credential) Valid() bool {
	return strings.TrimSpace(c.AccessToken) != "" || strings.TrimSpace(c.APIKey) != ""
}

// Endpoint builds the dial URL: baseURL (or default) with the credential
// appended as ?access_token= for ephemeral tokens or ?key= for raw keys.
func Endpoint(baseURL string, cred Credential) (string, error) {
	if !cred.Valid() {
		return "", badFrame("no credential for websocket endpoint")
	}
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = DefaultEndpoint
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", badFrame("invalid websocket endpoint url")
	}
	q := u.Query()
	if cred.Ephemeral() {
		q.Set("access_token", cred.AccessToken)
	} else {
		q.Set("key", cred.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
