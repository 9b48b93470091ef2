// Package auth decides whether a connecting client or bridge node may use
// the gateway.
//
// # Modes
//
// The configured mode names the shared secret a connection must present:
//
//   - none: every connection is accepted
//   - token: a static token, or an HS256 JWT signed with auth.jwt_secret
//   - password: a plain or bcrypt-hashed password
//
// # Trusted Transports
//
// Connections arriving over the tailnet (when tailscale.trust_tailnet is set)
// or from loopback (when auth.allow_loopback is set) are accepted without
// checking secrets.
//
// Failures always surface as ErrUnauthorized so a client cannot learn which
// check rejected it.
package auth
