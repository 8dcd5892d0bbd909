// Package auth gates relay connections on a shared API key.
package auth

import (
	"errors"
	"net/url"
	"strings"
)

// QueryParamAPIKey carries the client's key on the upgrade request.
const QueryParamAPIKey = "apiKey"

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns a verifier for the configured key. An empty key disables
// the check entirely.
func NewVerifier(apiKey string) Verifier {
	if strings.TrimSpace(apiKey) == "" {
		return AllowAll{}
	}
	return APIKeyVerifier{Expected: apiKey}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromQuery extracts the API key query parameter.
func CredentialFromQuery(q url.Values) (string, error) {
	if apiKey := q.Get(QueryParamAPIKey); apiKey != "" {
		return apiKey, nil
	}
	return "", ErrMissingCredentials
}

// AllowAll accepts any credential, including none.
type AllowAll struct{}

func (AllowAll) Verify(string) error { return nil }
