package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

func newTestTracker(t *testing.T, limit int, now time.Time) (*Tracker, *statefile.Store) {
	t.Helper()
	store := statefile.NewStore(t.TempDir())
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	tracker := NewTracker(limit, store, state)
	tracker.Now = func() time.Time { return now }
	return tracker, store
}

func TestInit_FreshState(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tracker, store := newTestTracker(t, 5, now)

	if err := tracker.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.QuotaResetDate != "2026-03-14" {
		t.Errorf("QuotaResetDate = %q", saved.QuotaResetDate)
	}
	if saved.QuotaUsed != 0 {
		t.Errorf("QuotaUsed = %d", saved.QuotaUsed)
	}
}

func TestInit_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, 5, now)

	if err := tracker.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tracker.Increment(); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}
	if err := tracker.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if tracker.Used() != 3 {
		t.Errorf("Used = %d after same-day Init, want 3", tracker.Used())
	}
}

func TestCheck_DayRollover(t *testing.T) {
	now := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, 2, now)

	if err := tracker.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	tracker.Increment()
	tracker.Increment()
	if err := tracker.Check(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Check at limit = %v, want ErrExhausted", err)
	}

	tracker.Now = func() time.Time {
		return time.Date(2026, 3, 15, 0, 1, 0, 0, time.UTC)
	}
	if err := tracker.Check(); err != nil {
		t.Fatalf("Check after rollover = %v, want nil", err)
	}
	if tracker.Used() != 0 {
		t.Errorf("Used = %d after rollover, want 0", tracker.Used())
	}
}

func TestCheck_Unlimited(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tracker, store := newTestTracker(t, 0, now)

	for i := 0; i < 10; i++ {
		if err := tracker.Check(); err != nil {
			t.Fatalf("Check: %v", err)
		}
		if err := tracker.Increment(); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}
	if tracker.Used() != 0 {
		t.Errorf("Used = %d with no limit, want 0", tracker.Used())
	}

	// Nothing should have been written either: the counter and reset
	// date stay untouched until a limit is configured.
	saved, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.QuotaUsed != 0 {
		t.Errorf("persisted QuotaUsed = %d with no limit, want 0", saved.QuotaUsed)
	}
	if saved.QuotaResetDate != "" {
		t.Errorf("persisted QuotaResetDate = %q with no limit, want empty", saved.QuotaResetDate)
	}
}

func TestIncrement_PersistsImmediately(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tracker, store := newTestTracker(t, 5, now)

	tracker.Init()
	tracker.Increment()

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.QuotaUsed != 1 {
		t.Errorf("persisted QuotaUsed = %d, want 1", saved.QuotaUsed)
	}
}

func TestNextReset(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{
			time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC),
			time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC),
			time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tracker, _ := newTestTracker(t, 1, tt.now)
		if got := tracker.NextReset(); !got.Equal(tt.want) {
			t.Errorf("NextReset at %v = %v, want %v", tt.now, got, tt.want)
		}
	}
}
