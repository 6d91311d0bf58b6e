// Package models holds the small set of enums and id constructors shared
// across the Store, Session Manager, and Run Orchestrator, so that those
// three packages can agree on vocabulary without importing one another.
//
// Grounded on the original runner's models.py (SessionState/RunStatus enums,
// new_id prefix convention), with ids generated via github.com/google/uuid
// instead of raw hex, per this module's id convention (see DESIGN.md).
package models

import "github.com/google/uuid"

// SessionState is the lifecycle state of a per-(bot,user) Session.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionRunning      SessionState = "running"
	SessionWaitingInput SessionState = "waiting_input"
	SessionError        SessionState = "error"
	SessionCanceled     SessionState = "canceled"
)

// RunStatus is the terminal-or-not status of a single Run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
	RunTimeout  RunStatus = "timeout"
)

// IsTerminal reports whether status is one that a Run never transitions out
// of (DONE/ERROR/CANCELED/TIMEOUT, per the Terminal finality property).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunDone, RunError, RunCanceled, RunTimeout:
		return true
	default:
		return false
	}
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string { return "sess_" + uuid.NewString() }

// NewRunID returns a fresh opaque run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }
