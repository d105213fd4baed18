package auth

import (
	"net/netip"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/gavelms/gavel/structs"
)

const secret = "8e9e3c1a6f214b6e"

func newAuthenticator(ttl time.Duration) (*Authenticator, *time.Time) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	a := NewAuthenticator(secret, ttl)
	a.now = func() time.Time { return now }
	return a, &now
}

func testRequest(hash string) *Request {
	return &Request{
		Contest: &structs.Contest{ID: 1, Name: "regional"},
		User:    &structs.User{ID: 5, Username: "ada", PasswordHash: hash},
		Participation: &structs.Participation{
			ID: 7, UserID: 5, ContestID: 1,
		},
		RemoteIP: netip.MustParseAddr("10.0.0.8"),
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	req := testRequest("stored-hash")

	cookie, err := a.Issue("ada", "stored-hash")
	require.NoError(t, err)

	claims, err := a.Authenticate(cookie, req)
	require.NoError(t, err)
	must.Eq(t, "ada", claims.Username)
	must.False(t, claims.Impersonated)
}

func TestAuthenticate_Expired(t *testing.T) {
	a, now := newAuthenticator(time.Hour)
	cookie, err := a.Issue("ada", "stored-hash")
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, err = a.Authenticate(cookie, testRequest("stored-hash"))
	must.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	other := NewAuthenticator("different-secret", time.Hour)

	cookie, err := other.Issue("ada", "stored-hash")
	require.NoError(t, err)
	_, err = a.Authenticate(cookie, testRequest("stored-hash"))
	must.ErrorIs(t, err, ErrInvalidToken)
}

// Changing the password invalidates every outstanding cookie.
func TestAuthenticate_StaleHash(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	cookie, err := a.Issue("ada", "old-hash")
	require.NoError(t, err)

	_, err = a.Authenticate(cookie, testRequest("new-hash"))
	must.ErrorIs(t, err, ErrStaleCredentials)
}

func TestAuthenticate_ParticipationOverride(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	override := "contest-hash"
	req := testRequest("global-hash")
	req.Participation.PasswordHash = &override

	cookie, err := a.Issue("ada", "contest-hash")
	require.NoError(t, err)
	_, err = a.Authenticate(cookie, req)
	require.NoError(t, err)

	// The global hash no longer authenticates inside the contest.
	cookie, err = a.Issue("ada", "global-hash")
	require.NoError(t, err)
	_, err = a.Authenticate(cookie, req)
	must.ErrorIs(t, err, ErrStaleCredentials)
}

func TestAuthenticate_IPRestriction(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	req := testRequest("stored-hash")
	req.Participation.IPRanges = []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")}

	cookie, err := a.Issue("ada", "stored-hash")
	require.NoError(t, err)
	_, err = a.Authenticate(cookie, req)
	must.ErrorIs(t, err, ErrIPNotAllowed)

	req.RemoteIP = netip.MustParseAddr("192.168.1.20")
	_, err = a.Authenticate(cookie, req)
	require.NoError(t, err)
}

// Impersonation bypasses IP restrictions: the admin is not at the
// contestant's desk.
func TestAuthenticate_ImpersonationSkipsIP(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	req := testRequest("stored-hash")
	req.Participation.IPRanges = []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")}

	cookie, err := a.IssueImpersonation("ada", "stored-hash")
	require.NoError(t, err)
	claims, err := a.Authenticate(cookie, req)
	require.NoError(t, err)
	must.True(t, claims.Impersonated)
}

func TestAuthenticate_ImpersonationShortLived(t *testing.T) {
	a, now := newAuthenticator(36 * time.Hour)
	cookie, err := a.IssueImpersonation("ada", "stored-hash")
	require.NoError(t, err)

	*now = now.Add(impersonationTTL + time.Minute)
	_, err = a.Authenticate(cookie, testRequest("stored-hash"))
	must.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_HiddenBlocked(t *testing.T) {
	a, _ := newAuthenticator(time.Hour)
	req := testRequest("stored-hash")
	req.Participation.Hidden = true

	cookie, err := a.Issue("ada", "stored-hash")
	require.NoError(t, err)

	// Hidden alone is fine until the contest blocks it.
	_, err = a.Authenticate(cookie, req)
	require.NoError(t, err)

	req.Contest.BlockHiddenParticipations = true
	_, err = a.Authenticate(cookie, req)
	must.ErrorIs(t, err, ErrHidden)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	must.True(t, VerifyPassword(hash, "correct horse"))
	must.False(t, VerifyPassword(hash, "wrong horse"))
}

func autologinCandidates() []Candidate {
	return []Candidate{
		{
			User: &structs.User{Username: "ada"},
			Participation: &structs.Participation{
				IPRanges: []netip.Prefix{netip.MustParsePrefix("10.0.0.8/32")},
			},
		},
		{
			User: &structs.User{Username: "grace"},
			Participation: &structs.Participation{
				IPRanges: []netip.Prefix{netip.MustParsePrefix("10.0.0.9/32")},
			},
		},
		{
			// No ranges: never autologged.
			User:          &structs.User{Username: "alan"},
			Participation: &structs.Participation{},
		},
	}
}

func TestIPAutologin(t *testing.T) {
	contest := &structs.Contest{IPAutologin: true}

	got, err := IPAutologin(contest, netip.MustParseAddr("10.0.0.8"), autologinCandidates())
	require.NoError(t, err)
	must.Eq(t, "ada", got.User.Username)

	_, err = IPAutologin(contest, netip.MustParseAddr("10.0.0.99"), autologinCandidates())
	must.ErrorIs(t, err, ErrNoAutologin)
}

func TestIPAutologin_Disabled(t *testing.T) {
	contest := &structs.Contest{IPAutologin: false}
	_, err := IPAutologin(contest, netip.MustParseAddr("10.0.0.8"), autologinCandidates())
	must.ErrorIs(t, err, ErrNoAutologin)
}

func TestIPAutologin_Ambiguous(t *testing.T) {
	contest := &structs.Contest{IPAutologin: true}
	candidates := autologinCandidates()
	candidates[1].Participation.IPRanges = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}

	_, err := IPAutologin(contest, netip.MustParseAddr("10.0.0.8"), candidates)
	must.ErrorIs(t, err, ErrAmbiguousAutologin)
}
