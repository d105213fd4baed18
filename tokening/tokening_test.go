package tokening

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/gavelms/gavel/structs"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

func finiteSettings() *structs.TokenSettings {
	return &structs.TokenSettings{
		Mode:        structs.TokenModeFinite,
		GenInitial:  1,
		GenNumber:   1,
		GenInterval: 900 * time.Second,
		GenMax:      intp(2),
		MinInterval: 300 * time.Second,
	}
}

func infiniteSettings() *structs.TokenSettings {
	return &structs.TokenSettings{Mode: structs.TokenModeInfinite}
}

func disabledSettings() *structs.TokenSettings {
	return &structs.TokenSettings{Mode: structs.TokenModeDisabled}
}

// A USACO-style contest with a finite contest wallet and an infinite
// task wallet, followed through one play and one regeneration.
func TestAvailable_AccrualLifecycle(t *testing.T) {
	contest := finiteSettings()
	task := infiniteSettings()

	// At the personal start: one initial token, next generated at
	// start+900s.
	got := Available(contest, task, nil, nil, t0, t0)
	must.Eq(t, 1, got.Available)
	must.NotNil(t, got.NextGen)
	must.Eq(t, t0.Add(900*time.Second), *got.NextGen)
	must.Nil(t, got.Unlock)

	// Just after playing at t0+60: wallet empty, cooldown until
	// t0+360, next generation unchanged.
	played := []time.Time{t0.Add(60 * time.Second)}
	got = Available(contest, task, played, played, t0, t0.Add(61*time.Second))
	must.Eq(t, 0, got.Available)
	must.Eq(t, t0.Add(900*time.Second), *got.NextGen)
	must.NotNil(t, got.Unlock)
	must.Eq(t, t0.Add(360*time.Second), *got.Unlock)

	// At t0+900 the wallet regenerated and the cooldown expired.
	got = Available(contest, task, played, played, t0, t0.Add(900*time.Second))
	must.Eq(t, 1, got.Available)
	must.Eq(t, t0.Add(1800*time.Second), *got.NextGen)
	must.Nil(t, got.Unlock)

	// At t0+1800 the wallet hits gen_max; nothing more generates until
	// a play makes room.
	got = Available(contest, task, played, played, t0, t0.Add(1800*time.Second))
	must.Eq(t, 2, got.Available)
	must.Nil(t, got.NextGen)
}

func TestAvailable_Disabled(t *testing.T) {
	got := Available(disabledSettings(), infiniteSettings(), nil, nil, t0, t0)
	must.Eq(t, 0, got.Available)
	must.Nil(t, got.NextGen)
}

func TestAvailable_BothInfinite(t *testing.T) {
	got := Available(infiniteSettings(), infiniteSettings(), nil, nil, t0, t0)
	must.Eq(t, Infinite, got.Available)
	must.Nil(t, got.NextGen)
}

// An unlimited wallet ignores its own min-interval; constraints only
// bind when tokens are scarce.
func TestAvailable_InfiniteIgnoresCooldown(t *testing.T) {
	contest := infiniteSettings()
	contest.MinInterval = 120 * time.Second
	played := []time.Time{t0.Add(30 * time.Second)}

	got := Available(contest, infiniteSettings(), played, nil, t0, t0.Add(60*time.Second))
	must.Eq(t, Infinite, got.Available)
	must.Nil(t, got.Unlock)
}

func TestAvailable_MaxNumberHardCap(t *testing.T) {
	contest := finiteSettings()
	contest.MaxNumber = intp(2)
	task := infiniteSettings()

	// Two plays exhaust the lifetime allowance; generation stops
	// mattering.
	played := []time.Time{t0.Add(time.Second), t0.Add(1000 * time.Second)}
	got := Available(contest, task, played, played, t0, t0.Add(5000*time.Second))
	must.Eq(t, 0, got.Available)
	must.Nil(t, got.NextGen)
}

// The task wallet is the binding one when it is smaller; its next
// generation is the one reported.
func TestAvailable_TaskSideBinds(t *testing.T) {
	contest := finiteSettings()
	contest.GenInitial = 5
	contest.GenMax = intp(5)
	task := finiteSettings()

	got := Available(contest, task, nil, nil, t0, t0)
	must.Eq(t, 1, got.Available)
	must.Eq(t, t0.Add(900*time.Second), *got.NextGen)
}

// With equal counts both sides must generate before the minimum grows,
// so the later generation wins.
func TestAvailable_EqualCountsTakeLaterGen(t *testing.T) {
	contest := finiteSettings()
	task := finiteSettings()
	task.GenInterval = 1800 * time.Second

	got := Available(contest, task, nil, nil, t0, t0)
	must.Eq(t, 1, got.Available)
	must.Eq(t, t0.Add(1800*time.Second), *got.NextGen)
}

// With equal counts, a side that can never generate again pins the
// combined wallet: the minimum cannot grow past it.
func TestAvailable_EqualCountsExhaustedSide(t *testing.T) {
	contest := &structs.TokenSettings{
		Mode:       structs.TokenModeFinite,
		GenInitial: 2,
		MaxNumber:  intp(2),
	}
	task := &structs.TokenSettings{
		Mode:        structs.TokenModeFinite,
		GenInitial:  2,
		GenNumber:   1,
		GenInterval: 900 * time.Second,
	}

	got := Available(contest, task, nil, nil, t0, t0.Add(300*time.Second))
	must.Eq(t, 2, got.Available)
	must.Nil(t, got.NextGen)
}

// A wallet that hit its lifetime cap reports neither a next generation
// nor a cooldown.
func TestAvailable_DepletedWalletHasNoUnlock(t *testing.T) {
	contest := finiteSettings()
	contest.MaxNumber = intp(1)
	played := []time.Time{t0.Add(time.Second)}

	got := Available(contest, infiniteSettings(), played, played, t0, t0.Add(2*time.Second))
	must.Eq(t, 0, got.Available)
	must.Nil(t, got.NextGen)
	must.Nil(t, got.Unlock)
}

func TestAvailable_NowEqualsStart(t *testing.T) {
	contest := finiteSettings()
	contest.GenInitial = 0

	got := Available(contest, infiniteSettings(), nil, nil, t0, t0)
	must.Eq(t, 0, got.Available)
	must.Eq(t, t0.Add(900*time.Second), *got.NextGen)
}

func TestAccrualStart(t *testing.T) {
	start := t0.Add(-time.Hour)
	personal := t0.Add(30 * time.Minute)
	perUser := time.Hour

	contest := &structs.Contest{Start: start, Stop: t0.Add(24 * time.Hour)}
	p := &structs.Participation{StartingTime: &personal}
	must.Eq(t, start, AccrualStart(contest, p))

	contest.PerUserTime = &perUser
	must.Eq(t, personal, AccrualStart(contest, p))

	must.Eq(t, start, AccrualStart(contest, &structs.Participation{}))
}

func TestAccept(t *testing.T) {
	sub := &structs.Submission{ID: 1}

	must.NoError(t, Accept(Availability{Available: 1}, sub))
	must.NoError(t, Accept(Availability{Available: Infinite}, sub))

	must.ErrorIs(t, Accept(Availability{Available: 0}, sub), ErrNoTokens)

	unlock := t0.Add(time.Minute)
	must.ErrorIs(t, Accept(Availability{Available: 1, Unlock: &unlock}, sub), ErrOnCooldown)

	tokened := &structs.Submission{ID: 2, Token: &structs.Token{SubmissionID: 2}}
	must.ErrorIs(t, Accept(Availability{Available: 1}, tokened), ErrAlreadyTokened)
}
