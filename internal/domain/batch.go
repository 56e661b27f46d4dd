package domain

import "time"

// RunMode is the entry mode of a replication run
type RunMode string

const (
	RunModeInit  RunMode = "init"
	RunModeSync  RunMode = "sync"
	RunModeReset RunMode = "reset"
	RunModeRetry RunMode = "retry-mirrors"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// SyncRun records one invocation of the replication engine
type SyncRun struct {
	ID        string     `json:"id"`
	Mode      RunMode    `json:"mode"`
	Since     *time.Time `json:"since,omitempty"` // only for sync runs
	Status    RunStatus  `json:"status"`
	Events    int        `json:"events"`
	Failures  int        `json:"failures"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// OutcomeStatus is the result of dispatching one audit event
type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeIgnored  OutcomeStatus = "ignored"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeFailed   OutcomeStatus = "failed"
)

// EventOutcome records how a single audit event was handled
type EventOutcome struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Action     Action        `json:"action"`
	Domain     Domain        `json:"domain"`
	Org        string        `json:"org"`
	Subject    string        `json:"subject"`
	EventTime  time.Time     `json:"event_time"`
	Status     OutcomeStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// MirrorFailure is a repository whose content mirror did not complete and
// is eligible for a retry on a later pass
type MirrorFailure struct {
	Org       string    `json:"org"`
	Repo      string    `json:"repo"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}
