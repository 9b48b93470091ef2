// ABOUTME: Resolves connection credentials against the configured auth mode
// ABOUTME: Supports none/token/password plus trusted tailnet and loopback transports

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"tailscale.com/client/tailscale/apitype"
)

// ErrUnauthorized is the only failure callers ever see. The specific reason
// is logged server side.
var ErrUnauthorized = errors.New("unauthorized")

// Mode selects which shared secret a connection must present.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeToken    Mode = "token"
	ModePassword Mode = "password"
)

// Authentication methods recorded on a successful Result.
const (
	MethodNone      = "none"
	MethodToken     = "token"
	MethodJWT       = "jwt"
	MethodPassword  = "password"
	MethodTailscale = "tailscale"
	MethodLoopback  = "loopback"
)

// Settings is the hot-reloadable auth configuration.
type Settings struct {
	Mode          Mode
	Token         string
	Password      string // plain text or a bcrypt hash
	JWTSecret     string
	AllowLoopback bool
	TrustTailnet  bool
}

// Credentials are the secrets presented by a connecting client.
type Credentials struct {
	Token    string
	Password string
}

// Result describes a successful authentication.
type Result struct {
	Method    string
	Principal string
	Role      string
}

// PeerIdentifier resolves a remote address to a tailnet identity. The
// tailscale local client satisfies it.
type PeerIdentifier interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
}

// Authenticator checks connection credentials.
type Authenticator struct {
	mu       sync.RWMutex
	settings Settings
	jwt      *JWTVerifier
	whois    PeerIdentifier
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator. whois may be nil when the
// gateway is not running on a tailnet.
func NewAuthenticator(settings Settings, whois PeerIdentifier, logger *slog.Logger) *Authenticator {
	a := &Authenticator{
		whois:  whois,
		logger: logger.With("component", "auth"),
	}
	a.Update(settings)
	return a
}

// Update swaps in new settings.
func (a *Authenticator) Update(settings Settings) {
	if settings.Mode == "" {
		settings.Mode = ModeNone
	}
	var verifier *JWTVerifier
	if settings.JWTSecret != "" {
		verifier = NewJWTVerifier([]byte(settings.JWTSecret))
	}

	a.mu.Lock()
	a.settings = settings
	a.jwt = verifier
	a.mu.Unlock()
}

// SetPeerIdentifier installs the tailnet identity resolver once the tailnet
// node is up.
func (a *Authenticator) SetPeerIdentifier(whois PeerIdentifier) {
	a.mu.Lock()
	a.whois = whois
	a.mu.Unlock()
}

// Mode returns the active auth mode.
func (a *Authenticator) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings.Mode
}

// Authenticate resolves creds presented over a transport whose peer is
// remoteAddr. Trusted transports are accepted before any secret is checked.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials, remoteAddr string) (Result, error) {
	a.mu.RLock()
	settings := a.settings
	verifier := a.jwt
	whois := a.whois
	a.mu.RUnlock()

	if settings.TrustTailnet && whois != nil {
		if who, err := whois.WhoIs(ctx, remoteAddr); err == nil && who != nil && who.Node != nil {
			principal := who.Node.ComputedName
			if who.UserProfile != nil && who.UserProfile.LoginName != "" {
				principal = who.UserProfile.LoginName
			}
			return Result{Method: MethodTailscale, Principal: principal, Role: RoleOperator}, nil
		}
	}

	if settings.AllowLoopback && isLoopback(remoteAddr) {
		return Result{Method: MethodLoopback, Principal: "local", Role: RoleOperator}, nil
	}

	switch settings.Mode {
	case ModeNone:
		return Result{Method: MethodNone, Role: RoleOperator}, nil

	case ModeToken:
		if creds.Token == "" {
			return a.deny(remoteAddr, "token missing")
		}
		if settings.Token != "" && secureEqual(creds.Token, settings.Token) {
			return Result{Method: MethodToken, Role: RoleOperator}, nil
		}
		if verifier != nil {
			claims, err := verifier.Verify(creds.Token)
			if err == nil {
				return Result{Method: MethodJWT, Principal: claims.Subject, Role: claims.Role}, nil
			}
			return a.deny(remoteAddr, "jwt rejected: "+err.Error())
		}
		return a.deny(remoteAddr, "token mismatch")

	case ModePassword:
		if creds.Password == "" {
			return a.deny(remoteAddr, "password missing")
		}
		if !passwordMatches(settings.Password, creds.Password) {
			return a.deny(remoteAddr, "password mismatch")
		}
		return Result{Method: MethodPassword, Role: RoleOperator}, nil

	default:
		return a.deny(remoteAddr, "unknown auth mode "+string(settings.Mode))
	}
}

func (a *Authenticator) deny(remoteAddr, reason string) (Result, error) {
	a.logger.Debug("authentication failed", "remote_addr", remoteAddr, "reason", reason)
	return Result{}, ErrUnauthorized
}

// HashPassword returns a bcrypt hash suitable for the auth.password setting.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func passwordMatches(configured, presented string) bool {
	if configured == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return secureEqual(configured, presented)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
