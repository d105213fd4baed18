// Package auth implements contestant authentication: signed login
// cookies, password verification, IP autologin and admin
// impersonation.
package auth

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gavelms/gavel/structs"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens and
	// expired cookies alike; callers show one generic login failure.
	ErrInvalidToken = errors.New("auth: invalid or expired token")

	// ErrStaleCredentials rejects a cookie issued before a password
	// change.
	ErrStaleCredentials = errors.New("auth: stored credentials changed since login")

	// ErrIPNotAllowed rejects a request from outside the
	// participation's allowed networks.
	ErrIPNotAllowed = errors.New("auth: address not in participation's allowed ranges")

	// ErrHidden rejects hidden participations when the contest blocks
	// them.
	ErrHidden = errors.New("auth: hidden participations are blocked")

	// ErrNoAutologin means no participation matches the address.
	ErrNoAutologin = errors.New("auth: no participation matches the address")

	// ErrAmbiguousAutologin means more than one participation matches
	// the address, so none can be trusted.
	ErrAmbiguousAutologin = errors.New("auth: multiple participations match the address")
)

// impersonationTTL bounds admin impersonation cookies, regardless of
// the configured cookie TTL.
const impersonationTTL = 10 * time.Minute

// Claims is the payload of a login cookie. Carrying the password hash
// ties the cookie to the credentials it was issued against: changing
// the password invalidates every outstanding cookie.
type Claims struct {
	Username     string `json:"username"`
	PasswordHash string `json:"hash"`
	Impersonated bool   `json:"impersonated,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates login cookies with a shared
// secret (HS256).
type Authenticator struct {
	secret []byte
	ttl    time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewAuthenticator builds an authenticator over the cookie secret.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a login cookie for the user.
func (a *Authenticator) Issue(username, passwordHash string) (string, error) {
	return a.issue(username, passwordHash, false, a.ttl)
}

// IssueImpersonation signs a short-lived cookie an admin uses to act
// as the user. IP restrictions do not apply to it.
func (a *Authenticator) IssueImpersonation(username, passwordHash string) (string, error) {
	return a.issue(username, passwordHash, true, impersonationTTL)
}

func (a *Authenticator) issue(username, passwordHash string, impersonated bool, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Username:     username,
		PasswordHash: passwordHash,
		Impersonated: impersonated,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing cookie: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of a cookie and returns its
// claims.
func (a *Authenticator) Parse(cookie string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(cookie, &claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Request is everything needed to validate a contestant request.
type Request struct {
	Contest       *structs.Contest
	User          *structs.User
	Participation *structs.Participation
	RemoteIP      netip.Addr
}

// EffectiveHash is the password hash that applies inside the contest:
// the participation's override when present, the user's otherwise.
func (r *Request) EffectiveHash() string {
	if r.Participation.PasswordHash != nil {
		return *r.Participation.PasswordHash
	}
	return r.User.PasswordHash
}

// Authenticate re-validates a cookie against the stored state. The
// cookie alone is never enough: the stored hash may have changed, the
// address may have moved, the participation may have been hidden.
func (a *Authenticator) Authenticate(cookie string, req *Request) (*Claims, error) {
	claims, err := a.Parse(cookie)
	if err != nil {
		return nil, err
	}
	if claims.Username != req.User.Username {
		return nil, ErrInvalidToken
	}
	if claims.PasswordHash != req.EffectiveHash() {
		return nil, ErrStaleCredentials
	}
	if !claims.Impersonated && !req.Participation.IPAllowed(req.RemoteIP) {
		return nil, ErrIPNotAllowed
	}
	if req.Participation.Hidden && req.Contest.BlockHiddenParticipations {
		return nil, ErrHidden
	}
	return claims, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored hash.
func VerifyPassword(stored, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext)) == nil
}

// Candidate pairs a participation with its user for autologin.
type Candidate struct {
	User          *structs.User
	Participation *structs.Participation
}

// IPAutologin picks the single participation whose allowed ranges
// contain addr. Ambiguity fails closed: logging someone into the wrong
// account is worse than asking for a password.
func IPAutologin(contest *structs.Contest, addr netip.Addr, candidates []Candidate) (*Candidate, error) {
	if !contest.IPAutologin {
		return nil, ErrNoAutologin
	}
	var match *Candidate
	for i := range candidates {
		c := &candidates[i]
		if len(c.Participation.IPRanges) == 0 || !c.Participation.IPAllowed(addr) {
			continue
		}
		if match != nil {
			return nil, ErrAmbiguousAutologin
		}
		match = c
	}
	if match == nil {
		return nil, ErrNoAutologin
	}
	if match.Participation.Hidden && contest.BlockHiddenParticipations {
		return nil, ErrHidden
	}
	return match, nil
}
