package structs

import (
	"fmt"
	"net/netip"
	"time"
)

// TokenMode controls how a contest or task hands out tokens.
type TokenMode string

const (
	TokenModeDisabled TokenMode = "disabled"
	TokenModeFinite   TokenMode = "finite"
	TokenModeInfinite TokenMode = "infinite"
)

// TokenSettings is the token policy block carried by both contests and
// tasks. The two levels are combined by the tokening package; all fields
// other than Mode are only meaningful in finite mode.
type TokenSettings struct {
	Mode TokenMode

	// GenInitial is the size of the wallet at the start of the accrual
	// period.
	GenInitial int

	// GenNumber tokens are added to the wallet at the end of every
	// GenInterval, capped at GenMax if set.
	GenNumber   int
	GenInterval time.Duration
	GenMax      *int

	// MaxNumber is a hard cap on the total number of tokens that may be
	// played, nil for unlimited.
	MaxNumber *int

	// MinInterval is the cooldown between two consecutive plays.
	MinInterval time.Duration
}

// Validate checks the settings for internal consistency.
func (t *TokenSettings) Validate() error {
	switch t.Mode {
	case TokenModeDisabled, TokenModeInfinite:
		return nil
	case TokenModeFinite:
	default:
		return fmt.Errorf("unknown token mode %q", t.Mode)
	}
	if t.GenInitial < 0 || t.GenNumber < 0 {
		return fmt.Errorf("token generation counts must be non-negative")
	}
	if t.GenNumber > 0 && t.GenInterval <= 0 {
		return fmt.Errorf("token generation interval must be positive")
	}
	if t.GenMax != nil && *t.GenMax < 1 {
		return fmt.Errorf("token generation cap must be at least 1")
	}
	if t.MaxNumber != nil && *t.MaxNumber < 0 {
		return fmt.Errorf("token usage cap must be non-negative")
	}
	if t.MinInterval < 0 {
		return fmt.Errorf("token cooldown must be non-negative")
	}
	return nil
}

// Contest is a single competition: an ordered set of tasks, a time window
// and the policy knobs that apply to every participation.
type Contest struct {
	ID          int64
	Name        string
	Description string

	// Languages the contestants may submit in, ordered as presented.
	Languages []string

	Start time.Time
	Stop  time.Time

	// Timezone used to render times to contestants, IANA name.
	Timezone string

	// PerUserTime, when set, makes the contest USACO-style: each
	// participation runs its own clock of this length starting at its
	// StartingTime.
	PerUserTime *time.Duration

	Tokens TokenSettings

	// MaxSubmissionNumber and MaxUserTestNumber bound the total number of
	// submissions and user tests, nil for unlimited.
	MaxSubmissionNumber *int
	MaxUserTestNumber   *int

	// MinSubmissionInterval and MinUserTestInterval rate limit the
	// contestant-facing upload endpoints.
	MinSubmissionInterval *time.Duration
	MinUserTestInterval   *time.Duration

	// ScorePrecision is the number of fractional digits kept when rounding
	// contest-level scores.
	ScorePrecision int

	// IPAutologin lets a request's source address authenticate a
	// participation without a password.
	IPAutologin bool

	// BlockHiddenParticipations rejects logins from hidden participations.
	BlockHiddenParticipations bool
}

// Validate checks the contest row invariants.
func (c *Contest) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contest name is required")
	}
	if c.Stop.Before(c.Start) {
		return fmt.Errorf("contest %q stops before it starts", c.Name)
	}
	if c.ScorePrecision < 0 {
		return fmt.Errorf("score precision must be non-negative")
	}
	if c.PerUserTime != nil && *c.PerUserTime <= 0 {
		return fmt.Errorf("per-user time must be positive")
	}
	return c.Tokens.Validate()
}

// Phase returns -1 before the contest, 0 while it is running and +1 after
// it is over, from the point of view of the given participation.
func (c *Contest) Phase(p *Participation, now time.Time) int {
	start, stop := c.Start, c.Stop
	if c.PerUserTime != nil && p != nil && p.StartingTime != nil {
		start = *p.StartingTime
		stop = start.Add(*c.PerUserTime)
		if stop.After(c.Stop) {
			stop = c.Stop
		}
	}
	if p != nil {
		start = start.Add(p.DelayTime)
		stop = stop.Add(p.DelayTime).Add(p.ExtraTime)
	}
	switch {
	case now.Before(start):
		return -1
	case now.Before(stop):
		return 0
	default:
		return 1
	}
}

// User is a global principal, independent of any contest.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string

	// PasswordHash is the stored authentication secret, already hashed.
	PasswordHash string

	Timezone *string
}

// Participation binds a user to a contest.
type Participation struct {
	ID        int64
	UserID    int64
	ContestID int64

	// PasswordHash overrides the user's global password inside this
	// contest when non-nil.
	PasswordHash *string

	// IPRanges restricts logins to the given networks; empty means no
	// restriction.
	IPRanges []netip.Prefix

	// Hidden participations do not appear in rankings and may be blocked
	// from logging in.
	Hidden bool

	// Unrestricted participations bypass the contest's rate limits.
	Unrestricted bool

	// StartingTime is when the participation started its personal clock in
	// a USACO-style contest.
	StartingTime *time.Time

	DelayTime time.Duration
	ExtraTime time.Duration
}

// IPAllowed reports whether addr matches the participation's allow-list.
func (p *Participation) IPAllowed(addr netip.Addr) bool {
	if len(p.IPRanges) == 0 {
		return true
	}
	for _, r := range p.IPRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}
