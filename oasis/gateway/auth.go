package gateway

import "net/http"

// Role is a session's privilege level. Role assignment on handshake is an
// external collaborator concern; the gateway only consumes the result.
type Role string

const (
	RoleAnonymous     Role = "anonymous"
	RoleAuthenticated Role = "authenticated"
	RoleAdmin         Role = "admin"
)

// Authenticator maps a connection handshake to a role and an opaque
// identity. The token's provenance (JWT issuance, test-user seeding) is
// outside the core.
type Authenticator interface {
	Authenticate(r *http.Request) (Role, string)
}

// TokenAuthenticator is the default collaborator: a single static admin
// token from config grants admin; any other non-empty token is treated as
// an authenticated identity; no token means anonymous. An empty AdminToken
// disables the admin role entirely.
type TokenAuthenticator struct {
	AdminToken string
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (Role, string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	switch {
	case token == "":
		return RoleAnonymous, ""
	case a.AdminToken != "" && token == a.AdminToken:
		return RoleAdmin, "admin"
	default:
		return RoleAuthenticated, token
	}
}
