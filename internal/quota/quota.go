// Package quota enforces an optional daily cap on started sessions. The
// counter resets at UTC midnight and survives restarts through the shared
// state file.
package quota

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

// DateFormat is how reset dates are stored in the state file.
const DateFormat = "2006-01-02"

// midnightUTC fires at 00:00 UTC every day.
var midnightUTC cron.Schedule

func init() {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse("0 0 * * *")
	if err != nil {
		panic(fmt.Sprintf("quota: parse reset schedule: %v", err))
	}
	midnightUTC = schedule
}

// ErrExhausted is returned by Check when the daily limit has been reached.
var ErrExhausted = fmt.Errorf("daily session quota exhausted")

// Tracker counts sessions started today against an optional limit.
// Limit 0 means unlimited: checks always pass and the counter is never
// touched, so enabling a limit later starts from a fresh same-day reset.
type Tracker struct {
	Limit int

	store *statefile.Store
	state *statefile.State

	Now func() time.Time
}

// NewTracker wraps the given state document. The caller owns saving the
// state for everything except quota mutations, which save immediately.
func NewTracker(limit int, store *statefile.Store, state *statefile.State) *Tracker {
	return &Tracker{
		Limit: limit,
		store: store,
		state: state,
		Now:   time.Now,
	}
}

func (t *Tracker) today() string {
	return t.Now().UTC().Format(DateFormat)
}

// Init resets the counter if the stored reset date is not today. It is
// idempotent and safe to call on every startup and loop iteration.
func (t *Tracker) Init() error {
	if t.Limit <= 0 {
		return nil
	}
	today := t.today()
	if t.state.QuotaResetDate == today {
		return nil
	}
	t.state.QuotaUsed = 0
	t.state.QuotaResetDate = today
	if err := t.store.Save(t.state); err != nil {
		return fmt.Errorf("persist quota reset: %w", err)
	}
	return nil
}

// Check reports whether another session may start today. It rolls the
// counter over first, so a limit reached yesterday never blocks today.
func (t *Tracker) Check() error {
	if t.Limit <= 0 {
		return nil
	}
	if err := t.Init(); err != nil {
		return err
	}
	if t.state.QuotaUsed >= t.Limit {
		return ErrExhausted
	}
	return nil
}

// Increment records one started session and persists immediately, so a
// crash between session creation and completion cannot undercount. With
// no limit configured it does nothing.
func (t *Tracker) Increment() error {
	if t.Limit <= 0 {
		return nil
	}
	t.state.QuotaUsed++
	if err := t.store.Save(t.state); err != nil {
		return fmt.Errorf("persist quota use: %w", err)
	}
	return nil
}

// Used returns today's counter.
func (t *Tracker) Used() int {
	return t.state.QuotaUsed
}

// NextReset returns the next UTC midnight after now.
func (t *Tracker) NextReset() time.Time {
	return midnightUTC.Next(t.Now().UTC())
}
