package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/logging"
	"DiffBuddy/internal/ports"
)

// maxAcquireAttempts bounds the re-read loop after a lost write race.
const maxAcquireAttempts = 5

// Outcome classifies an acquisition attempt.
type Outcome int

const (
	// Acquired means the caller is the sole generator for the key.
	Acquired Outcome = iota + 1
	// AlreadyRunning means another caller holds the lock.
	AlreadyRunning
	// Fresh means the stored artifact matches the current fingerprint.
	Fresh
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AlreadyRunning:
		return "already_running"
	case Fresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Acquisition is the result of Coordinator.Acquire. Item is the stored row
// for Fresh and AlreadyRunning, and the claimed state for Acquired.
type Acquisition struct {
	Outcome Outcome
	Item    domain.WorkItem
}

// Coordinator elects a single generator per key using only the store's
// conditional update.
type Coordinator struct {
	store      ports.WorkItemStore
	now        func() time.Time
	newRunID   func() string
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewCoordinator wires the coordinator; staleAfter of zero disables takeover.
func NewCoordinator(store ports.WorkItemStore, now func() time.Time, newRunID func() string, staleAfter time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		now:        now,
		newRunID:   newRunID,
		staleAfter: staleAfter,
		logger:     logging.OrDiscard(logger),
	}
}

// Acquire resolves whether the caller should generate for key at fingerprint.
func (c *Coordinator) Acquire(ctx context.Context, key domain.Key, fingerprint string) (Acquisition, error) {
	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		item, found, err := c.store.Get(ctx, key)
		if err != nil {
			return Acquisition{}, fmt.Errorf("acquire %s: %w", key, err)
		}

		if found {
			if item.FreshFor(fingerprint) {
				c.logger.Debug("cache hit", "key", key, "fingerprint", fingerprint)
				return Acquisition{Outcome: Fresh, Item: item}, nil
			}
			if item.RevisionFingerprint != fingerprint {
				reset, err := c.store.Invalidate(ctx, key, item.RevisionFingerprint, fingerprint)
				if err != nil {
					return Acquisition{}, fmt.Errorf("acquire %s: %w", key, err)
				}
				if reset {
					c.logger.Debug("invalidated stale work item", "key", key,
						"stored_fingerprint", item.RevisionFingerprint, "fingerprint", fingerprint,
						"previous_status", item.Status)
				}
			}
		}

		claim := c.newClaim(fingerprint)
		ok, err := c.store.TryAcquire(ctx, key, claim)
		if err != nil {
			return Acquisition{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return c.acquired(key, claim, item), nil
		}

		if !found {
			created, err := c.store.Create(ctx, key, claim)
			if err != nil {
				return Acquisition{}, fmt.Errorf("acquire %s: %w", key, err)
			}
			if created {
				return c.acquired(key, claim, item), nil
			}
			c.logger.Debug("lost creation race", "key", key, "attempt", attempt)
			continue
		}

		current, found, err := c.store.Get(ctx, key)
		if err != nil {
			return Acquisition{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if !found {
			continue
		}
		if current.FreshFor(fingerprint) {
			return Acquisition{Outcome: Fresh, Item: current}, nil
		}
		if current.Status == domain.StatusGenerating && !c.IsStale(current) {
			c.logger.Debug("generation already running", "key", key,
				"stage", current.Stage, "started_at", current.StartedAt)
			return Acquisition{Outcome: AlreadyRunning, Item: current}, nil
		}
		c.logger.Debug("work item moved during acquire", "key", key, "status", current.Status, "attempt", attempt)
	}

	return Acquisition{}, fmt.Errorf("acquire %s: %w", key, domain.ErrContention)
}

// IsStale reports whether a generating item is old enough to be taken over.
func (c *Coordinator) IsStale(item domain.WorkItem) bool {
	if c.staleAfter <= 0 || item.Status != domain.StatusGenerating || item.StartedAt.IsZero() {
		return false
	}
	return item.StartedAt.Before(c.now().Add(-c.staleAfter))
}

func (c *Coordinator) newClaim(fingerprint string) domain.Claim {
	// Timestamps are persisted with millisecond precision.
	now := c.now().UTC().Truncate(time.Millisecond)
	claim := domain.Claim{
		Fingerprint: fingerprint,
		RunID:       c.newRunID(),
		StartedAt:   now,
	}
	if c.staleAfter > 0 {
		claim.StaleBefore = now.Add(-c.staleAfter)
	}
	return claim
}

func (c *Coordinator) acquired(key domain.Key, claim domain.Claim, previous domain.WorkItem) Acquisition {
	if previous.Status == domain.StatusGenerating && previous.RunID != "" && previous.RunID != claim.RunID {
		c.logger.Warn("took over generation", "key", key, "previous_run", previous.RunID, "run", claim.RunID)
	}
	c.logger.Debug("generation lock acquired", "key", key, "run", claim.RunID, "fingerprint", claim.Fingerprint)
	return Acquisition{
		Outcome: Acquired,
		Item: domain.WorkItem{
			Key:                 key,
			RevisionFingerprint: claim.Fingerprint,
			Status:              domain.StatusGenerating,
			Stage:               domain.StageFetchingSource,
			StartedAt:           claim.StartedAt,
			RunID:               claim.RunID,
		},
	}
}
