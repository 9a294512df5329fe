package api

import "net/http"

// IdentityProvider resolves the caller's identity from a request. An empty
// user id means the caller is anonymous. Manager routes require a non-empty
// id; lab routes consult the experiment's requireAuth flag.
type IdentityProvider interface {
	Authenticate(r *http.Request) string
}

// HeaderIdentity trusts the identity headers set by an authenticating
// reverse proxy in front of the server.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy).
type HeaderIdentity struct{}

func (HeaderIdentity) Authenticate(r *http.Request) string {
	if user := r.Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := r.Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return r.Header.Get("X-Remote-User")
}
