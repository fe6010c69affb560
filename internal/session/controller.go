// Package session drives one agent session through its lifecycle: create,
// wait for a pull request, merge. Every transition is persisted to the state
// file before the next remote call, so a crash leaves an accurate record.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/jules-loop/internal/eventlog"
	"github.com/hochfrequenz/jules-loop/internal/ghapi"
	"github.com/hochfrequenz/jules-loop/internal/jules"
	"github.com/hochfrequenz/jules-loop/internal/retry"
	"github.com/hochfrequenz/jules-loop/internal/statefile"
)

// ErrTimeout means the session produced no pull request within the
// execution window.
var ErrTimeout = errors.New("session timed out waiting for a pull request")

// JulesAPI is the slice of the Jules client the controller needs.
type JulesAPI interface {
	CreateSession(ctx context.Context, req jules.CreateSessionRequest) (*jules.Session, error)
	GetSession(ctx context.Context, name string) (*jules.Session, error)
}

// GitHubAPI is the slice of the GitHub client the controller needs.
type GitHubAPI interface {
	MergePullRequest(ctx context.Context, owner, repo string, number int) (*ghapi.MergeResult, error)
}

// Controller runs the create/wait/merge lifecycle for a single session.
type Controller struct {
	Jules  JulesAPI
	GitHub GitHubAPI
	Log    *eventlog.Log
	Store  *statefile.Store
	State  *statefile.State

	Retry retry.Policy

	Owner  string
	Repo   string
	Branch string
	Source string

	PollInterval time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration

	DryRun bool

	// Sleep and Now are overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
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

func (c *Controller) save() error {
	return c.Store.Save(c.State)
}

// Create starts a new session with the given prompt and records it as the
// current agent. In dry-run mode no remote call is made.
func (c *Controller) Create(ctx context.Context, prompt string) (*statefile.Agent, error) {
	startedAt := c.now().UTC()

	if c.DryRun {
		agent := &statefile.Agent{
			ID:        fmt.Sprintf("dry-run-%d", startedAt.Unix()),
			Name:      fmt.Sprintf("sessions/dry-run-%d", startedAt.Unix()),
			Prompt:    prompt,
			Status:    statefile.StatusCreated,
			StartTime: startedAt.Format(time.RFC3339),
		}
		c.State.CurrentAgent = agent
		if err := c.save(); err != nil {
			return nil, err
		}
		c.Log.SessionEvent(eventlog.KindAgentCreated, "dry run: skipped session creation", agent.ID)
		return agent, nil
	}

	title := "Jules auto-session " + startedAt.Format("2006-01-02 15:04:05")
	req := jules.CreateSessionRequest{
		Prompt:         prompt,
		Title:          title,
		Source:         c.Source,
		StartingBranch: c.Branch,
	}

	var session *jules.Session
	retries := 0
	policy := c.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		retries++
		c.Log.Event(eventlog.KindError,
			fmt.Sprintf("session creation attempt %d failed, retrying in %s: %v", attempt, delay, err))
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		session, err = c.Jules.CreateSession(ctx, req)
		return err
	})
	if err != nil {
		// Record the failed attempt so the state file tells the truth
		// post mortem. Cancellation is a shutdown, not a failure.
		if ctx.Err() == nil {
			c.State.CurrentAgent = &statefile.Agent{
				Prompt:     prompt,
				Status:     statefile.StatusFailed,
				StartTime:  startedAt.Format(time.RFC3339),
				RetryCount: retries,
			}
			if saveErr := c.save(); saveErr != nil {
				c.Log.Event(eventlog.KindError, "persist failed session: "+saveErr.Error())
			}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	agent := &statefile.Agent{
		ID:         session.ID,
		Name:       session.Name,
		Prompt:     prompt,
		Status:     statefile.StatusCreated,
		StartTime:  startedAt.Format(time.RFC3339),
		RetryCount: retries,
	}
	c.State.CurrentAgent = agent
	if err := c.save(); err != nil {
		return nil, err
	}
	c.Log.SessionEvent(eventlog.KindAgentCreated, "created session "+session.Name, agent.ID)
	return agent, nil
}

// WaitForPR polls the session until a pull request appears or the execution
// window closes. Poll failures are logged and tolerated; only the timeout
// and cancellation end the wait.
func (c *Controller) WaitForPR(ctx context.Context, agent *statefile.Agent) (string, int, error) {
	if c.DryRun {
		url := fmt.Sprintf("https://github.com/%s/%s/pull/1", c.Owner, c.Repo)
		agent.Status = statefile.StatusPRFound
		agent.PRURL = url
		agent.PRNumber = 1
		if err := c.save(); err != nil {
			return "", 0, err
		}
		c.Log.SessionEvent(eventlog.KindPRFound, "dry run: pretending a PR exists", agent.ID)
		return url, 1, nil
	}

	agent.Status = statefile.StatusRunning
	if err := c.save(); err != nil {
		return "", 0, err
	}

	deadline := c.now().Add(c.Timeout)

	if c.InitialDelay > 0 {
		if err := c.sleep(ctx, c.InitialDelay); err != nil {
			return "", 0, err
		}
	}

	for {
		// The window is inclusive: a deadline of exactly one poll
		// interval allows a single poll, not two.
		if !c.now().Before(deadline) {
			agent.Status = statefile.StatusTimedOut
			if err := c.save(); err != nil {
				return "", 0, err
			}
			c.Log.SessionEvent(eventlog.KindTimeout,
				fmt.Sprintf("no PR after %s", c.Timeout), agent.ID)
			return "", 0, ErrTimeout
		}

		session, err := c.Jules.GetSession(ctx, agent.Name)
		if err != nil {
			if ctx.Err() != nil {
				return "", 0, ctx.Err()
			}
			c.Log.SessionEvent(eventlog.KindError, "poll failed: "+err.Error(), agent.ID)
		} else {
			c.Log.SessionEvent(eventlog.KindSessionPolled, "polled "+agent.Name, agent.ID)
			if url := session.PullRequestURL(); url != "" {
				number, err := ghapi.PullNumberFromURL(url)
				if err != nil {
					return "", 0, fmt.Errorf("session produced an unusable PR url: %w", err)
				}
				agent.Status = statefile.StatusPRFound
				agent.PRURL = url
				agent.PRNumber = number
				if err := c.save(); err != nil {
					return "", 0, err
				}
				c.Log.SessionEvent(eventlog.KindPRFound, "found "+url, agent.ID)
				return url, number, nil
			}
		}

		if err := c.sleep(ctx, c.PollInterval); err != nil {
			return "", 0, err
		}
	}
}

// Merge squash-merges the agent's pull request. A *ghapi.ConflictError
// passes through untouched so the caller can pause the loop.
func (c *Controller) Merge(ctx context.Context, agent *statefile.Agent) (*ghapi.MergeResult, error) {
	if c.DryRun {
		agent.Status = statefile.StatusMerged
		if err := c.save(); err != nil {
			return nil, err
		}
		c.Log.SessionEvent(eventlog.KindPRMerged, "dry run: skipped merge", agent.ID)
		return &ghapi.MergeResult{Merged: true, SHA: "dry-run"}, nil
	}

	policy := c.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.Log.SessionEvent(eventlog.KindError,
			fmt.Sprintf("merge attempt %d failed, retrying in %s: %v", attempt, delay, err), agent.ID)
	}

	var result *ghapi.MergeResult
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.GitHub.MergePullRequest(ctx, c.Owner, c.Repo, agent.PRNumber)
		return err
	})
	if err != nil {
		return nil, err
	}

	agent.Status = statefile.StatusMerged
	if err := c.save(); err != nil {
		return nil, err
	}
	c.Log.SessionEvent(eventlog.KindPRMerged,
		fmt.Sprintf("merged PR #%d (%s)", agent.PRNumber, result.SHA), agent.ID)
	return result, nil
}
