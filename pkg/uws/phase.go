package uws

import (
	"regexp"
	"strings"
)

// Phase values defined by UWS.
const (
	PhasePending   = "PENDING"
	PhaseQueued    = "QUEUED"
	PhaseExecuting = "EXECUTING"
	PhaseCompleted = "COMPLETED"
	PhaseError     = "ERROR"
	PhaseAborted   = "ABORTED"
	PhaseUnknown   = "UNKNOWN"
	PhaseHeld      = "HELD"
	PhaseSuspended = "SUSPENDED"
	PhaseArchived  = "ARCHIVED"
)

// Values accepted by the phase endpoint.
const (
	PhaseRun   = "RUN"
	PhaseAbort = "ABORT"
)

// Stage groups phases by what a waiting client should do next.
type Stage int

const (
	StageIllegal Stage = iota
	StageUnstarted
	StageRunning
	StageFinished
	StageUnknown
)

func (s Stage) String() string {
	switch s {
	case StageUnstarted:
		return "unstarted"
	case StageRunning:
		return "running"
	case StageFinished:
		return "finished"
	case StageUnknown:
		return "unknown"
	default:
		return "illegal"
	}
}

var phaseToken = regexp.MustCompile(`^[A-Za-z_]+$`)

// StageForPhase maps a phase string to its Stage.
// Surrounding whitespace is ignored. Well-formed phase names that UWS does
// not define map to StageUnknown; empty or malformed values are illegal.
func StageForPhase(phase string) Stage {
	p := strings.TrimSpace(phase)
	switch p {
	case PhasePending:
		return StageUnstarted
	case PhaseQueued, PhaseExecuting, PhaseSuspended, PhaseHeld:
		return StageRunning
	case PhaseCompleted, PhaseError, PhaseAborted, PhaseArchived:
		return StageFinished
	case PhaseUnknown:
		return StageUnknown
	}
	if phaseToken.MatchString(p) {
		return StageUnknown
	}
	return StageIllegal
}
