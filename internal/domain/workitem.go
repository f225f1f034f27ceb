package domain

import (
	"fmt"
	"time"
)

// Key identifies a work item: owner, repository and pull request number.
type Key struct {
	Source     string
	Collection string
	Number     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Source, k.Collection, k.Number)
}

// Status enumerates the generation lifecycle of a work item.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Stage marks progress inside StatusGenerating.
type Stage string

const (
	StageNone             Stage = ""
	StageFetchingSource   Stage = "fetching_source"
	StageInvokingProvider Stage = "invoking_provider"
	StagePersistingResult Stage = "persisting_result"
)

// WorkItem is the persisted generation state for a Key.
type WorkItem struct {
	Key                 Key
	RevisionFingerprint string
	RawContent          string
	Artifact            string
	Status              Status
	Stage               Stage
	StartedAt           time.Time
	RunID               string
}

// FreshFor reports whether the cached artifact was derived from fingerprint.
func (w WorkItem) FreshFor(fingerprint string) bool {
	return w.Status == StatusReady && fingerprint != "" && w.RevisionFingerprint == fingerprint
}

// Claim carries the values written when a caller takes the generation lock.
// A zero StaleBefore disables takeover of rows stuck in StatusGenerating.
type Claim struct {
	Fingerprint string
	RunID       string
	StartedAt   time.Time
	StaleBefore time.Time
}

// Result is what callers of the query contract observe.
type Result struct {
	Status     Status     `json:"status"`
	Stage      Stage      `json:"stage,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	Artifact   string     `json:"artifact,omitempty"`
	RawContent string     `json:"rawContent,omitempty"`
}

// ResultOf projects a stored item onto the caller-facing Result.
func ResultOf(item WorkItem) Result {
	switch item.Status {
	case StatusReady:
		return Result{Status: StatusReady, Artifact: item.Artifact, RawContent: item.RawContent}
	case StatusGenerating:
		return Generating(item.Stage, item.StartedAt)
	case StatusError:
		return Result{Status: StatusError}
	default:
		return Result{Status: StatusIdle}
	}
}

// Generating builds an in-progress Result.
func Generating(stage Stage, startedAt time.Time) Result {
	res := Result{Status: StatusGenerating, Stage: stage}
	if !startedAt.IsZero() {
		ts := startedAt
		res.StartedAt = &ts
	}
	return res
}
