package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gitstuff/gitstuff/internal/tier"
)

// StaticSessionProvider serves one fixed session for every request. It backs
// the single-user deployment mode where the operator's identity comes from
// configuration rather than a login flow. An empty UserID means no session.
type StaticSessionProvider struct {
	UserID       string
	AccountLogin string
	Plan         tier.Plan
}

// Session implements SessionProvider.
func (provider StaticSessionProvider) Session(*http.Request) (Session, bool) {
	if strings.TrimSpace(provider.UserID) == "" {
		return Session{}, false
	}
	return Session{
		UserID:       provider.UserID,
		AccountLogin: provider.AccountLogin,
		Plan:         provider.Plan,
	}, true
}

// StaticCredentialStore serves one fixed upstream token for every user. An
// empty token means no credential is linked.
type StaticCredentialStore struct {
	Token string
}

// UpstreamToken implements CredentialStore.
func (credentialStore StaticCredentialStore) UpstreamToken(context.Context, string) (string, bool) {
	token := strings.TrimSpace(credentialStore.Token)
	return token, token != ""
}
