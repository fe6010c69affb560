// Package statefile persists the loop's crash-recoverable state as a single
// JSON document, written atomically via temp-file replace.
package statefile

import (
	"encoding/json"
)

// AgentStatus tracks a session through its lifecycle.
type AgentStatus string

const (
	StatusCreated  AgentStatus = "created"
	StatusRunning  AgentStatus = "running"
	StatusPRFound  AgentStatus = "pr_found"
	StatusMerged   AgentStatus = "merged"
	StatusTimedOut AgentStatus = "timed_out"
	StatusFailed   AgentStatus = "failed"
	StatusPaused   AgentStatus = "paused"
)

// Terminal reports whether the status is an end state. A terminal agent is
// never rewritten when the loop pauses.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusMerged, StatusTimedOut, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// Agent is the persisted snapshot of the session currently in flight.
type Agent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Prompt     string      `json:"prompt"`
	Status     AgentStatus `json:"status"`
	StartTime  string      `json:"start_time"`
	PRURL      string      `json:"pr_url,omitempty"`
	PRNumber   int         `json:"pr_number,omitempty"`
	RetryCount int         `json:"retry_count"`
}

// State is the full on-disk state document. Unknown top-level keys read from
// disk are retained and written back unchanged, so documents produced by a
// newer version survive a round trip through an older binary.
type State struct {
	CurrentAgent   *Agent `json:"current_agent,omitempty"`
	QuotaUsed      int    `json:"quota_used"`
	QuotaResetDate string `json:"quota_reset_date,omitempty"`
	Paused         bool   `json:"paused"`
	PauseReason    string `json:"pause_reason,omitempty"`

	extra map[string]json.RawMessage
}

// knownKeys are the top-level keys owned by this version of the document.
var knownKeys = map[string]bool{
	"current_agent":    true,
	"quota_used":       true,
	"quota_reset_date": true,
	"paused":           true,
	"pause_reason":     true,
}

// UnmarshalJSON implements json.Unmarshaler, stashing unknown keys.
func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = State(known)
	for key, value := range raw {
		if knownKeys[key] {
			continue
		}
		if s.extra == nil {
			s.extra = make(map[string]json.RawMessage)
		}
		s.extra[key] = value
	}
	return nil
}

// MarshalJSON implements json.Marshaler, merging stashed unknown keys back in.
func (s *State) MarshalJSON() ([]byte, error) {
	type alias State
	base, err := json.Marshal((*alias)(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.extra {
		if _, exists := merged[key]; !exists {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}
