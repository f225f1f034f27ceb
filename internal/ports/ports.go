package ports

import (
	"context"

	"DiffBuddy/internal/domain"
)

// RevisionSource resolves upstream revisions and fetches their diffs.
type RevisionSource interface {
	ResolveFingerprint(ctx context.Context, key domain.Key) (string, error)
	FetchContent(ctx context.Context, key domain.Key, fingerprint string) (string, error)
}

// Provider turns a prompt into generated text in a single round trip.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// WorkItemStore persists generation state. TryAcquire and Invalidate are
// single conditional statements; they are the only synchronization between
// concurrent callers. Run-scoped writes only touch rows still held by runID
// and report false when the run has been superseded.
type WorkItemStore interface {
	Get(ctx context.Context, key domain.Key) (domain.WorkItem, bool, error)
	Invalidate(ctx context.Context, key domain.Key, staleFingerprint, currentFingerprint string) (bool, error)
	TryAcquire(ctx context.Context, key domain.Key, claim domain.Claim) (bool, error)
	Create(ctx context.Context, key domain.Key, claim domain.Claim) (bool, error)
	SetStage(ctx context.Context, key domain.Key, runID string, stage domain.Stage) (bool, error)
	Complete(ctx context.Context, key domain.Key, runID, rawContent, artifact string) (bool, error)
	Fail(ctx context.Context, key domain.Key, runID string) (bool, error)
}
