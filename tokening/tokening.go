// Package tokening implements the regenerating-wallet arithmetic that
// decides when a contestant may token-release a submission. All
// functions are pure over the play history they are handed; persistence
// belongs to the caller.
package tokening

import (
	"errors"
	"time"

	"github.com/gavelms/gavel/structs"
)

// Infinite is the available count of an unlimited wallet.
const Infinite = -1

// Availability is the wallet state at one instant.
type Availability struct {
	// Available is how many tokens may be played now; Infinite (-1)
	// means unlimited, 0 means none.
	Available int

	// NextGen is when the wallet grows by one, nil if it never will.
	NextGen *time.Time

	// Unlock is when the cooldown from the most recent play expires,
	// nil if no cooldown is pending.
	Unlock *time.Time
}

// available computes one level (contest or task) of the wallet.
// history holds the play times at that level, chronological; start is
// the accrual origin.
func available(s *structs.TokenSettings, history []time.Time, start, now time.Time) Availability {
	switch s.Mode {
	case structs.TokenModeDisabled:
		return Availability{Available: 0}
	case structs.TokenModeInfinite:
		// Unlimited wallets carry no constraints, cooldown included.
		return Availability{Available: Infinite}
	}

	periods := func(t time.Time) int64 {
		if s.GenNumber == 0 || s.GenInterval <= 0 || t.Before(start) {
			return 0
		}
		return int64(t.Sub(start) / s.GenInterval)
	}
	clamp := func(n int) int {
		if s.GenMax != nil && n > *s.GenMax {
			return *s.GenMax
		}
		return n
	}

	// Simulate the whole history: tokens generate on interval
	// boundaries, the cap applies after each generation event, every
	// play spends one.
	avail := clamp(s.GenInitial)
	prev := start
	for _, t := range history {
		avail = clamp(avail + s.GenNumber*int(periods(t)-periods(prev)))
		avail--
		prev = t
	}
	avail = clamp(avail + s.GenNumber*int(periods(now)-periods(prev)))
	if avail < 0 {
		avail = 0
	}

	// The hard cap counts plays that already happened.
	exhausted := false
	if s.MaxNumber != nil {
		if remaining := *s.MaxNumber - len(history); avail >= remaining {
			avail = remaining
			exhausted = true
			if avail < 0 {
				avail = 0
			}
		}
	}

	out := Availability{Available: avail, Unlock: unlockTime(s, history, now)}
	if s.GenNumber > 0 && s.GenInterval > 0 && !exhausted &&
		(s.GenMax == nil || avail < *s.GenMax) {
		next := start.Add(time.Duration(periods(now)+1) * s.GenInterval)
		out.NextGen = &next
	}
	// A permanently depleted wallet has no meaningful cooldown: no
	// token can ever be played again.
	if out.Available == 0 && out.NextGen == nil {
		out.Unlock = nil
	}
	return out
}

func unlockTime(s *structs.TokenSettings, history []time.Time, now time.Time) *time.Time {
	if s.MinInterval <= 0 || len(history) == 0 {
		return nil
	}
	unlock := history[len(history)-1].Add(s.MinInterval)
	if unlock.After(now) {
		return &unlock
	}
	return nil
}

// Available combines the contest-level and task-level wallets of one
// (participation, task) pair at now. contestHistory holds every play of
// the participation across the contest, taskHistory only those on the
// task; start is the accrual origin (the participation's starting time
// in USACO-style contests, the contest start otherwise).
func Available(contest, task *structs.TokenSettings,
	contestHistory, taskHistory []time.Time, start, now time.Time) Availability {

	c := available(contest, contestHistory, start, now)
	t := available(task, taskHistory, start, now)

	// Both cooldowns must have expired.
	unlock := c.Unlock
	if t.Unlock != nil && (unlock == nil || t.Unlock.After(*unlock)) {
		unlock = t.Unlock
	}

	if c.Available == Infinite && t.Available == Infinite {
		return Availability{Available: Infinite, Unlock: unlock}
	}

	// An infinite side never constrains: give it one token more than
	// the finite side so min() picks the finite one, with no
	// generation of its own.
	if c.Available == Infinite {
		c = Availability{Available: t.Available + 1}
	}
	if t.Available == Infinite {
		t = Availability{Available: c.Available + 1}
	}

	out := Availability{Unlock: unlock}
	switch {
	case c.Available < t.Available:
		out.Available = c.Available
		out.NextGen = c.NextGen
	case t.Available < c.Available:
		out.Available = t.Available
		out.NextGen = t.NextGen
	default:
		// Equal: the min only grows when both grow, so the later of
		// the two generations decides. A side that can never generate
		// again pins the pair.
		out.Available = c.Available
		switch {
		case c.NextGen == nil || t.NextGen == nil:
			out.NextGen = nil
		case t.NextGen.After(*c.NextGen):
			out.NextGen = t.NextGen
		default:
			out.NextGen = c.NextGen
		}
	}
	return out
}

// AccrualStart resolves the origin of token generation for a
// participation.
func AccrualStart(contest *structs.Contest, p *structs.Participation) time.Time {
	if contest.PerUserTime != nil && p.StartingTime != nil {
		return *p.StartingTime
	}
	return contest.Start
}

// Errors returned by Accept.
var (
	ErrNoTokens       = errors.New("tokening: no token available")
	ErrOnCooldown     = errors.New("tokening: token cooldown has not expired")
	ErrAlreadyTokened = errors.New("tokening: submission already has a token")
)

// Accept gates a token play on a submission: the wallet must not be
// empty, no cooldown may be pending, and a submission is tokened at
// most once.
func Accept(avail Availability, sub *structs.Submission) error {
	if sub.Token != nil {
		return ErrAlreadyTokened
	}
	if avail.Unlock != nil {
		return ErrOnCooldown
	}
	if avail.Available == 0 {
		return ErrNoTokens
	}
	return nil
}
