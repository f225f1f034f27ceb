package domain

import "errors"

var (
	// ErrNotFound is returned when the upstream has no such work item.
	ErrNotFound = errors.New("work item not found")
	// ErrMissingRevision means no fingerprint could be resolved; nothing was locked.
	ErrMissingRevision = errors.New("missing revision")
	// ErrUpstreamFetch wraps failures of the fetching_source stage.
	ErrUpstreamFetch = errors.New("upstream fetch failed")
	// ErrProvider wraps failures of the invoking_provider stage.
	ErrProvider = errors.New("generation provider failed")
	// ErrGenerationFailed is returned to waiters that observe a terminal error row.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrSuperseded means the run lost its lock to a newer acquisition.
	ErrSuperseded = errors.New("generation run superseded")
	// ErrContention means acquisition did not settle after repeated re-reads.
	ErrContention = errors.New("work item contention")
)
