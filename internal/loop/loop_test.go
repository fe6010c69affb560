package loop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/jules-loop/internal/eventlog"
	"github.com/hochfrequenz/jules-loop/internal/ghapi"
	"github.com/hochfrequenz/jules-loop/internal/history"
	"github.com/hochfrequenz/jules-loop/internal/prompt"
	"github.com/hochfrequenz/jules-loop/internal/quota"
	"github.com/hochfrequenz/jules-loop/internal/session"
	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

// step scripts one iteration of the fake controller.
type step struct {
	createErr error
	waitErr   error
	mergeErr  error
}

type fakeController struct {
	steps []step
	calls int
	state *statefile.State

	cancelAfter int // cancel the context after this many iterations (0 = never)
	cancel      context.CancelFunc
}

func (f *fakeController) step() step {
	if f.calls <= len(f.steps) {
		return f.steps[f.calls-1]
	}
	return step{}
}

func (f *fakeController) Create(ctx context.Context, text string) (*statefile.Agent, error) {
	f.calls++
	if f.cancelAfter > 0 && f.calls > f.cancelAfter {
		f.cancel()
		return nil, ctx.Err()
	}
	if err := f.step().createErr; err != nil {
		return nil, err
	}
	agent := &statefile.Agent{
		ID:        "abc",
		Name:      "sessions/abc",
		Prompt:    text,
		Status:    statefile.StatusCreated,
		StartTime: time.Now().UTC().Format(time.RFC3339),
	}
	if f.state != nil {
		f.state.CurrentAgent = agent
	}
	return agent, nil
}

func (f *fakeController) WaitForPR(ctx context.Context, agent *statefile.Agent) (string, int, error) {
	if err := f.step().waitErr; err != nil {
		if errors.Is(err, session.ErrTimeout) {
			agent.Status = statefile.StatusTimedOut
		}
		return "", 0, err
	}
	agent.Status = statefile.StatusPRFound
	agent.PRURL = "https://github.com/acme/widgets/pull/7"
	agent.PRNumber = 7
	return agent.PRURL, 7, nil
}

func (f *fakeController) Merge(ctx context.Context, agent *statefile.Agent) (*ghapi.MergeResult, error) {
	if err := f.step().mergeErr; err != nil {
		return nil, err
	}
	agent.Status = statefile.StatusMerged
	return &ghapi.MergeResult{Merged: true, SHA: "abc123"}, nil
}

type recordingHistory struct {
	records []history.Record
}

func (r *recordingHistory) Record(rec history.Record) (string, error) {
	r.records = append(r.records, rec)
	return "id", nil
}

func newTestLoop(t *testing.T, sc SessionController, quotaLimit int) (*Orchestrator, *statefile.Store) {
	t.Helper()
	dir := t.TempDir()
	store := statefile.NewStore(dir)
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	// The fakes mirror the real controller and record the agent they
	// hand out as the current one.
	switch c := sc.(type) {
	case *fakeController:
		c.state = state
	case *invalidIDController:
		c.state = state
	}
	log, err := eventlog.Open(dir, nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	selector, err := prompt.NewSelector("improve something", nil)
	if err != nil {
		t.Fatalf("selector: %v", err)
	}

	return &Orchestrator{
		Sessions: sc,
		Prompts:  selector,
		Quota:    quota.NewTracker(quotaLimit, store, state),
		Log:      log,
		Store:    store,
		State:    state,
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}, store
}

func TestRun_ShutdownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeController{cancelAfter: 3, cancel: cancel}
	o, store := newTestLoop(t, fc, 10)

	reason, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopShutdown {
		t.Errorf("reason = %v", reason)
	}
	if fc.calls < 3 {
		t.Errorf("iterations = %d, want at least 3", fc.calls)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.Paused {
		t.Error("clean shutdown should not pause the loop")
	}
	if saved.QuotaUsed != 3 {
		t.Errorf("QuotaUsed = %d, want 3", saved.QuotaUsed)
	}
}

func TestRun_UnlimitedQuotaLeavesCounterAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeController{cancelAfter: 3, cancel: cancel}
	o, store := newTestLoop(t, fc, 0)

	if _, err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.QuotaUsed != 0 {
		t.Errorf("QuotaUsed = %d without a limit, want 0", saved.QuotaUsed)
	}
	if saved.QuotaResetDate != "" {
		t.Errorf("QuotaResetDate = %q without a limit, want empty", saved.QuotaResetDate)
	}
}

func TestRun_QuotaExhausted(t *testing.T) {
	fc := &fakeController{}
	o, store := newTestLoop(t, fc, 2)

	reason, err := o.Run(context.Background())
	if reason != StopQuotaExhausted {
		t.Fatalf("reason = %v, err = %v", reason, err)
	}
	if fc.calls != 2 {
		t.Errorf("sessions started = %d, want 2", fc.calls)
	}

	saved, _ := store.Load()
	if !saved.Paused {
		t.Error("quota exhaustion should pause the loop")
	}
	if !strings.Contains(saved.PauseReason, "quota") {
		t.Errorf("PauseReason = %q", saved.PauseReason)
	}
}

func TestRun_MergeConflictPauses(t *testing.T) {
	fc := &fakeController{steps: []step{
		{mergeErr: &ghapi.ConflictError{Number: 7, Message: "not mergeable"}},
	}}
	o, store := newTestLoop(t, fc, 0)

	reason, err := o.Run(context.Background())
	if reason != StopMergeConflict {
		t.Fatalf("reason = %v, err = %v", reason, err)
	}

	saved, _ := store.Load()
	if !saved.Paused {
		t.Error("merge conflict should pause the loop")
	}
	if !strings.Contains(saved.PauseReason, "pull/7") {
		t.Errorf("PauseReason = %q, want the PR reference", saved.PauseReason)
	}
	if saved.CurrentAgent == nil || saved.CurrentAgent.Status != statefile.StatusFailed {
		t.Errorf("CurrentAgent = %+v, want status failed", saved.CurrentAgent)
	}
}

func TestRun_ConsecutiveFailuresPause(t *testing.T) {
	steps := make([]step, DefaultFailureLimit)
	for i := range steps {
		steps[i] = step{waitErr: session.ErrTimeout}
	}
	fc := &fakeController{steps: steps}
	o, store := newTestLoop(t, fc, 0)

	reason, _ := o.Run(context.Background())
	if reason != StopConsecutiveFailures {
		t.Fatalf("reason = %v", reason)
	}
	if fc.calls != DefaultFailureLimit {
		t.Errorf("iterations = %d, want %d", fc.calls, DefaultFailureLimit)
	}

	saved, _ := store.Load()
	if !saved.Paused {
		t.Error("consecutive failures should pause the loop")
	}
	// The last agent already timed out; pausing must not rewrite it.
	if saved.CurrentAgent == nil || saved.CurrentAgent.Status != statefile.StatusTimedOut {
		t.Errorf("CurrentAgent = %+v, want status timed_out", saved.CurrentAgent)
	}
}

func TestRun_SuccessResetsFailureCounter(t *testing.T) {
	// Four timeouts, one success, then four more timeouts never reach the
	// limit of five. The context cancels the tenth iteration.
	steps := []step{
		{waitErr: session.ErrTimeout},
		{waitErr: session.ErrTimeout},
		{waitErr: session.ErrTimeout},
		{waitErr: session.ErrTimeout},
		{},
		{waitErr: session.ErrTimeout},
		{waitErr: session.ErrTimeout},
		{waitErr: session.ErrTimeout},
		{waitErr: session.ErrTimeout},
	}
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeController{steps: steps, cancelAfter: 9, cancel: cancel}
	o, _ := newTestLoop(t, fc, 0)

	reason, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopShutdown {
		t.Errorf("reason = %v, want StopShutdown", reason)
	}
}

func TestRun_RefusesWhilePaused(t *testing.T) {
	fc := &fakeController{}
	o, _ := newTestLoop(t, fc, 0)
	o.State.Paused = true
	o.State.PauseReason = "merge conflict on https://github.com/acme/widgets/pull/7"

	reason, err := o.Run(context.Background())
	if reason != StopAlreadyPaused {
		t.Fatalf("reason = %v", reason)
	}
	if err == nil || !strings.Contains(err.Error(), "paused") {
		t.Errorf("err = %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("paused loop still ran %d iterations", fc.calls)
	}
}

func TestRun_QuotaPauseClearsAfterRollover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeController{cancelAfter: 1, cancel: cancel}
	o, _ := newTestLoop(t, fc, 5)

	o.State.Paused = true
	o.State.PauseReason = "daily quota exhausted (5 used), resets 2026-03-15T00:00:00Z"
	o.State.QuotaUsed = 5
	o.State.QuotaResetDate = "2026-03-14"
	o.Quota.Now = func() time.Time {
		return time.Date(2026, 3, 15, 0, 5, 0, 0, time.UTC)
	}

	reason, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != StopShutdown {
		t.Errorf("reason = %v", reason)
	}
	// One real iteration, then the cancelled create.
	if fc.calls != 2 {
		t.Errorf("create calls = %d, want 2 after pause cleared", fc.calls)
	}
}

func TestRun_ArchivesOutcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeController{
		steps:       []step{{}, {waitErr: session.ErrTimeout}},
		cancelAfter: 2,
		cancel:      cancel,
	}
	o, _ := newTestLoop(t, fc, 0)
	rec := &recordingHistory{}
	o.History = rec

	if _, err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.records) != 2 {
		t.Fatalf("archived %d records, want 2", len(rec.records))
	}
	if rec.records[0].Status != "merged" || rec.records[0].MergeSHA != "abc123" {
		t.Errorf("first record = %+v", rec.records[0])
	}
	if rec.records[1].Status != "timed_out" {
		t.Errorf("second record = %+v", rec.records[1])
	}
}

func TestRun_InvalidSessionPauses(t *testing.T) {
	fc := &invalidIDController{}
	o, store := newTestLoop(t, fc, 10)

	reason, _ := o.Run(context.Background())
	if reason != StopInvalidSession {
		t.Fatalf("reason = %v", reason)
	}
	saved, _ := store.Load()
	if !saved.Paused {
		t.Error("invalid session should pause the loop")
	}
	if saved.QuotaUsed != 1 {
		t.Errorf("QuotaUsed = %d, the started session still counts", saved.QuotaUsed)
	}
	if saved.CurrentAgent == nil || saved.CurrentAgent.Status != statefile.StatusPaused {
		t.Errorf("CurrentAgent = %+v, want status paused", saved.CurrentAgent)
	}
}

type invalidIDController struct {
	state *statefile.State
}

func (c *invalidIDController) Create(ctx context.Context, text string) (*statefile.Agent, error) {
	agent := &statefile.Agent{Prompt: text}
	if c.state != nil {
		c.state.CurrentAgent = agent
	}
	return agent, nil
}

func (c *invalidIDController) WaitForPR(ctx context.Context, agent *statefile.Agent) (string, int, error) {
	return "", 0, errors.New("unreachable")
}

func (c *invalidIDController) Merge(ctx context.Context, agent *statefile.Agent) (*ghapi.MergeResult, error) {
	return nil, errors.New("unreachable")
}
