// Package auth is the authentication boundary of the broker.
//
// Connections and REST calls present an HS256 JWT, either as
// "Authorization: Bearer <token>" or as a ?token= query parameter (browsers
// cannot set headers on a WebSocket upgrade). The claims map to an identity:
//
//   - sub: user id
//   - role: "candidate" or "agent"
//   - name: display name (defaults to sub)
//
// With no jwt secret configured the Authenticator runs in anonymous mode and
// reads userId, role and name from the query string. This is for local
// development only and logs a warning at startup.
package auth
