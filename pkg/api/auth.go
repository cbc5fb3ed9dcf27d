package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/pbkdf2"

	"github.com/gbrigandi/soctalk/pkg/config"
)

// Role is a dashboard permission level. Each role includes the ones below it.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{RoleViewer: 1, RoleAnalyst: 2, RoleAdmin: 3}

func (r Role) covers(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

const (
	sessionCookie = "soctalk_session"
	identityKey   = "identity"

	pbkdf2Prefix = "pbkdf2_sha256$"
	plainPrefix  = "plain$"
)

// Identity is the authenticated caller.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

type staticUser struct {
	hash string
	role Role
}

// Authenticator implements the configured auth mode: "none" trusts every
// caller as admin, "static" checks credentials against AUTH_USERS and issues
// a signed session cookie, "proxy" trusts identity headers from an
// authenticating reverse proxy on an allow-listed address.
type Authenticator struct {
	mode    string
	users   map[string]staticUser
	secret  []byte
	ttl     time.Duration
	trusted []*net.IPNet
}

// NewAuthenticator builds the authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		mode:   cfg.Mode,
		users:  make(map[string]staticUser),
		secret: []byte(cfg.SessionSecret),
		ttl:    cfg.SessionTTL,
	}

	if cfg.Mode == "static" {
		if len(a.secret) == 0 {
			return nil, fmt.Errorf("AUTH_MODE=static requires AUTH_SESSION_SECRET")
		}
		for _, entry := range strings.Split(cfg.Users, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			name, hash, role, err := parseUserEntry(entry)
			if err != nil {
				return nil, err
			}
			a.users[name] = staticUser{hash: hash, role: role}
		}
		if len(a.users) == 0 {
			return nil, fmt.Errorf("AUTH_MODE=static requires at least one user")
		}
	}

	for _, cidr := range cfg.TrustedProxyCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		a.trusted = append(a.trusted, ipNet)
	}
	if cfg.Mode == "proxy" && len(a.trusted) == 0 {
		return nil, fmt.Errorf("AUTH_MODE=proxy requires AUTH_TRUSTED_PROXY_CIDRS")
	}

	return a, nil
}

// parseUserEntry parses "username:hash" or "username:hash:role". Both hash
// schemes use '$' separators, never ':'.
func parseUserEntry(entry string) (name, hash string, role Role, err error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid AUTH_USERS entry %q", entry)
	}
	role = RoleAnalyst
	if len(parts) == 3 && parts[2] != "" {
		role = Role(parts[2])
		if _, ok := roleRank[role]; !ok {
			return "", "", "", fmt.Errorf("invalid role %q in AUTH_USERS entry", parts[2])
		}
	}
	return parts[0], parts[1], role, nil
}

// verifyPassword checks a password against a stored hash. Supported schemes:
// "pbkdf2_sha256$<iterations>$<salt_b64url>$<digest_b64url>" and
// "plain$<password>" for development setups.
func verifyPassword(stored, password string) bool {
	switch {
	case strings.HasPrefix(stored, plainPrefix):
		return subtle.ConstantTimeCompare(
			[]byte(strings.TrimPrefix(stored, plainPrefix)), []byte(password)) == 1

	case strings.HasPrefix(stored, pbkdf2Prefix):
		parts := strings.Split(strings.TrimPrefix(stored, pbkdf2Prefix), "$")
		if len(parts) != 3 {
			return false
		}
		iterations, err := strconv.Atoi(parts[0])
		if err != nil || iterations < 1 {
			return false
		}
		salt, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return false
		}
		digest, err := base64.RawURLEncoding.DecodeString(parts[2])
		if err != nil || len(digest) == 0 {
			return false
		}
		derived := pbkdf2.Key([]byte(password), salt, iterations, len(digest), sha256.New)
		return subtle.ConstantTimeCompare(derived, digest) == 1
	}
	return false
}

// signSession encodes "username|role|expires" with an HMAC-SHA256 signature.
func (a *Authenticator) signSession(id Identity, expires time.Time) string {
	payload := fmt.Sprintf("%s|%s|%d", id.Username, id.Role, expires.Unix())
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
}

func (a *Authenticator) parseSession(token string) (Identity, bool) {
	encoded, sig, found := strings.Cut(token, ".")
	if !found {
		return Identity{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Identity{}, false
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return Identity{}, false
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 {
		return Identity{}, false
	}
	expires, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || time.Now().Unix() > expires {
		return Identity{}, false
	}
	role := Role(parts[1])
	if _, ok := roleRank[role]; !ok {
		return Identity{}, false
	}
	return Identity{Username: parts[0], Role: role}, true
}

// Middleware resolves the caller's identity or rejects the request.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := a.identify(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, "authentication required")
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (a *Authenticator) identify(c *gin.Context) (Identity, bool) {
	switch a.mode {
	case "none":
		return Identity{Username: "anonymous", Role: RoleAdmin}, true

	case "static":
		cookie, err := c.Cookie(sessionCookie)
		if err != nil {
			return Identity{}, false
		}
		return a.parseSession(cookie)

	case "proxy":
		if !a.fromTrustedProxy(c.Request.RemoteAddr) {
			return Identity{}, false
		}
		user := c.GetHeader("X-Forwarded-User")
		if user == "" {
			return Identity{}, false
		}
		return Identity{Username: user, Role: roleFromGroups(c.GetHeader("X-Forwarded-Groups"))}, true
	}
	return Identity{}, false
}

func (a *Authenticator) fromTrustedProxy(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipNet := range a.trusted {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func roleFromGroups(header string) Role {
	role := RoleViewer
	for _, group := range strings.Split(header, ",") {
		switch Role(strings.TrimSpace(group)) {
		case RoleAdmin:
			return RoleAdmin
		case RoleAnalyst:
			role = RoleAnalyst
		}
	}
	return role
}

// RequireRole gates a route group on a minimum role.
func (a *Authenticator) RequireRole(required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := currentIdentity(c)
		if !id.Role.covers(required) {
			respondError(c, http.StatusForbidden, "insufficient role")
			c.Abort()
			return
		}
		c.Next()
	}
}

func currentIdentity(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) loginHandler(c *gin.Context) {
	if s.auth.mode != "static" {
		respondError(c, http.StatusBadRequest, "login is only available with static auth")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := s.auth.users[req.Username]
	if !ok || !verifyPassword(user.hash, req.Password) {
		respondError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	id := Identity{Username: req.Username, Role: user.role}
	expires := time.Now().Add(s.auth.ttl)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, s.auth.signSession(id, expires),
		int(s.auth.ttl.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, id)
}

func (s *Server) logoutHandler(c *gin.Context) {
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) meHandler(c *gin.Context) {
	c.JSON(http.StatusOK, currentIdentity(c))
}
