// Package loop runs the top-level automation cycle: pick a prompt, start a
// session, wait for its pull request, merge it, repeat. It owns the pause
// policy; the per-session mechanics live in the session package.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/jules-loop/internal/eventlog"
	"github.com/hochfrequenz/jules-loop/internal/ghapi"
	"github.com/hochfrequenz/jules-loop/internal/history"
	"github.com/hochfrequenz/jules-loop/internal/notify"
	"github.com/hochfrequenz/jules-loop/internal/prompt"
	"github.com/hochfrequenz/jules-loop/internal/quota"
	"github.com/hochfrequenz/jules-loop/internal/session"
	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

// DefaultFailureLimit is how many consecutive failed sessions pause the loop.
const DefaultFailureLimit = 5

// DefaultIterationPause is the breather between successful iterations.
const DefaultIterationPause = 2 * time.Second

// quotaPausePrefix marks a pause that clears itself at the next UTC day.
const quotaPausePrefix = "daily quota exhausted"

// SessionController runs one session's lifecycle.
type SessionController interface {
	Create(ctx context.Context, prompt string) (*statefile.Agent, error)
	WaitForPR(ctx context.Context, agent *statefile.Agent) (string, int, error)
	Merge(ctx context.Context, agent *statefile.Agent) (*ghapi.MergeResult, error)
}

// Historian archives finished attempts. *history.Store satisfies it.
type Historian interface {
	Record(rec history.Record) (string, error)
}

// Orchestrator is the loop itself.
type Orchestrator struct {
	Sessions SessionController
	Prompts  *prompt.Selector
	Quota    *quota.Tracker
	Log      *eventlog.Log
	Store    *statefile.Store
	State    *statefile.State

	History Historian       // optional
	Notify  notify.Notifier // optional

	FailureLimit   int
	IterationPause time.Duration

	// Sleep and Now are overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	failures int
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) failureLimit() int {
	if o.FailureLimit > 0 {
		return o.FailureLimit
	}
	return DefaultFailureLimit
}

func (o *Orchestrator) iterationPause() time.Duration {
	if o.IterationPause > 0 {
		return o.IterationPause
	}
	return DefaultIterationPause
}

// pause marks the loop paused and persists it. Paused is terminal until an
// operator (or a quota day rollover) clears it.
func (o *Orchestrator) pause(reason string) {
	o.State.Paused = true
	o.State.PauseReason = reason
	if agent := o.State.CurrentAgent; agent != nil && !agent.Status.Terminal() {
		agent.Status = statefile.StatusPaused
	}
	if err := o.Store.Save(o.State); err != nil {
		o.Log.Event(eventlog.KindError, "persist pause: "+err.Error())
	}
	o.Log.Event(eventlog.KindPaused, reason)
	o.send(notify.Notification{
		Title:   "Loop paused",
		Message: reason,
		Type:    notify.NotifyWarning,
	})
}

func (o *Orchestrator) send(n notify.Notification) {
	if o.Notify == nil {
		return
	}
	if err := o.Notify.Send(n); err != nil {
		o.Log.Event(eventlog.KindError, "notification failed: "+err.Error())
	}
}

func (o *Orchestrator) archive(agent *statefile.Agent, result *ghapi.MergeResult) {
	if o.History == nil || agent == nil {
		return
	}
	rec := history.Record{
		SessionID:   agent.ID,
		SessionName: agent.Name,
		Prompt:      agent.Prompt,
		Status:      string(agent.Status),
		PRURL:       agent.PRURL,
		PRNumber:    agent.PRNumber,
		FinishedAt:  o.now().UTC(),
	}
	if started, err := time.Parse(time.RFC3339, agent.StartTime); err == nil {
		rec.StartedAt = started
	} else {
		rec.StartedAt = o.now().UTC()
	}
	if result != nil {
		rec.MergeSHA = result.SHA
	}
	if _, err := o.History.Record(rec); err != nil {
		o.Log.Event(eventlog.KindError, "archive session: "+err.Error())
	}
}

// checkPaused decides whether a paused state still blocks the loop. A quota
// pause clears itself once the UTC day rolls over; every other pause needs
// an explicit resume.
func (o *Orchestrator) checkPaused() (bool, error) {
	if !o.State.Paused {
		return false, nil
	}
	if strings.HasPrefix(o.State.PauseReason, quotaPausePrefix) {
		switch err := o.Quota.Check(); {
		case err == nil:
			o.State.Paused = false
			o.State.PauseReason = ""
			if err := o.Store.Save(o.State); err != nil {
				return true, err
			}
			o.Log.Info("quota reset, resuming loop")
			return false, nil
		case errors.Is(err, quota.ErrExhausted):
			// Still the same UTC day.
		default:
			return true, err
		}
	}
	return true, nil
}

// Run executes iterations until something stops the loop. The returned
// error carries detail for reasons that are not a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) (StopReason, error) {
	paused, err := o.checkPaused()
	if err != nil {
		return StopAlreadyPaused, err
	}
	if paused {
		return StopAlreadyPaused, fmt.Errorf("loop is paused: %s", o.State.PauseReason)
	}

	o.Log.Info("loop started")
	o.failures = 0

	for {
		select {
		case <-ctx.Done():
			o.Log.Event(eventlog.KindShutdown, "loop stopped")
			return StopShutdown, nil
		default:
		}

		reason, done, err := o.iterate(ctx)
		if done {
			if reason == StopShutdown {
				o.Log.Event(eventlog.KindShutdown, "loop stopped")
			}
			return reason, err
		}

		if err := o.sleep(ctx, o.iterationPause()); err != nil {
			o.Log.Event(eventlog.KindShutdown, "loop stopped")
			return StopShutdown, nil
		}
	}
}

// iterate runs one cycle. done=true means the loop must stop with reason.
func (o *Orchestrator) iterate(ctx context.Context) (StopReason, bool, error) {
	if err := o.Quota.Check(); err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			reason := fmt.Sprintf("%s (%d used), resets %s",
				quotaPausePrefix, o.Quota.Used(), o.Quota.NextReset().Format(time.RFC3339))
			o.Log.Event(eventlog.KindQuotaExhausted, reason)
			o.pause(reason)
			return StopQuotaExhausted, true, errors.New(reason)
		}
		return StopShutdown, true, err
	}

	text := o.Prompts.Choose()

	agent, err := o.Sessions.Create(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return StopShutdown, true, nil
		}
		o.Log.Event(eventlog.KindError, "session creation failed: "+err.Error())
		return o.recordFailure()
	}

	// The session started, so it counts against today's quota whatever
	// happens next.
	if err := o.Quota.Increment(); err != nil {
		o.Log.Event(eventlog.KindError, err.Error())
	}

	if agent.ID == "" || agent.Name == "" {
		reason := "session created without usable identifiers, pausing"
		o.pause(reason)
		return StopInvalidSession, true, errors.New(reason)
	}

	_, _, err = o.Sessions.WaitForPR(ctx, agent)
	if err != nil {
		if ctx.Err() != nil {
			return StopShutdown, true, nil
		}
		if errors.Is(err, session.ErrTimeout) {
			o.archive(agent, nil)
			return o.recordFailure()
		}
		o.Log.Event(eventlog.KindError, "waiting for PR failed: "+err.Error())
		return o.recordFailure()
	}

	result, err := o.Sessions.Merge(ctx, agent)
	if err != nil {
		if ctx.Err() != nil {
			return StopShutdown, true, nil
		}
		var conflict *ghapi.ConflictError
		if errors.As(err, &conflict) {
			agent.Status = statefile.StatusFailed
			reason := fmt.Sprintf("merge conflict on %s, resolve manually and resume", agent.PRURL)
			o.archive(agent, nil)
			o.pause(reason)
			return StopMergeConflict, true, errors.New(reason)
		}
		o.Log.Event(eventlog.KindError, "merge failed: "+err.Error())
		agent.Status = statefile.StatusFailed
		o.archive(agent, nil)
		return o.recordFailure()
	}

	o.failures = 0
	o.archive(agent, result)
	o.send(notify.Notification{
		Title:     "PR merged",
		Message:   fmt.Sprintf("Squash-merged #%d (%s)", agent.PRNumber, result.SHA),
		Type:      notify.NotifySuccess,
		SessionID: agent.Name,
		PRURL:     agent.PRURL,
	})
	return 0, false, nil
}

func (o *Orchestrator) recordFailure() (StopReason, bool, error) {
	o.failures++
	if o.failures >= o.failureLimit() {
		reason := fmt.Sprintf("%d consecutive failures, pausing", o.failures)
		o.pause(reason)
		return StopConsecutiveFailures, true, errors.New(reason)
	}
	return 0, false, nil
}
