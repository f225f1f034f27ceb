package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/logging"
	"DiffBuddy/internal/ports"
)

// PipelineDeps wires the driven adapters into the generation pipeline.
type PipelineDeps struct {
	Source   ports.RevisionSource
	Provider ports.Provider
	Store    ports.WorkItemStore
	Logger   *slog.Logger
}

// Pipeline runs fetch, provider and persist stages for an acquired work item.
type Pipeline struct {
	source   ports.RevisionSource
	provider ports.Provider
	store    ports.WorkItemStore
	logger   *slog.Logger
}

// NewPipeline constructs the generation pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		source:   deps.Source,
		provider: deps.Provider,
		store:    deps.Store,
		logger:   logging.OrDiscard(deps.Logger),
	}
}

// RunError describes a failed run. Recorded is false when the error status
// could not be written back to the store.
type RunError struct {
	Key      domain.Key
	RunID    string
	Stage    domain.Stage
	Recorded bool
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("generate %s at %s: %v", e.Key, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Run executes the pipeline for the run described by item, which must be the
// claimed state returned by an Acquired acquisition.
func (p *Pipeline) Run(ctx context.Context, item domain.WorkItem) (domain.Result, error) {
	started := time.Now()
	log := p.logger.With("key", item.Key.String(), "run", item.RunID)

	log.Debug("pipeline stage", "stage", domain.StageFetchingSource)
	raw, err := p.source.FetchContent(ctx, item.Key, item.RevisionFingerprint)
	if err != nil {
		return p.fail(ctx, item, domain.StageFetchingSource, fmt.Errorf("%w: %w", domain.ErrUpstreamFetch, err))
	}

	if err := p.advance(ctx, item, domain.StageInvokingProvider); err != nil {
		return domain.Result{}, err
	}

	sanitizer := NewSanitizer(raw)
	text, err := p.provider.Complete(ctx, BuildPrompt(sanitizer.Escape(raw)))
	if err != nil {
		return p.fail(ctx, item, domain.StageInvokingProvider, fmt.Errorf("%w: %s: %w", domain.ErrProvider, p.provider.Name(), err))
	}
	artifact := sanitizer.Restore(text)

	if err := p.advance(ctx, item, domain.StagePersistingResult); err != nil {
		return domain.Result{}, err
	}

	ok, err := p.store.Complete(ctx, item.Key, item.RunID, raw, artifact)
	if err != nil {
		return p.fail(ctx, item, domain.StagePersistingResult, err)
	}
	if !ok {
		return domain.Result{}, p.superseded(item, domain.StagePersistingResult)
	}

	log.Info("generation ready", "fingerprint", item.RevisionFingerprint,
		"diff_bytes", len(raw), "artifact_bytes", len(artifact), "elapsed", time.Since(started))
	return domain.Result{Status: domain.StatusReady, Artifact: artifact, RawContent: raw}, nil
}

func (p *Pipeline) advance(ctx context.Context, item domain.WorkItem, stage domain.Stage) error {
	p.logger.Debug("pipeline stage", "key", item.Key.String(), "run", item.RunID, "stage", stage)
	ok, err := p.store.SetStage(ctx, item.Key, item.RunID, stage)
	if err != nil {
		_, failErr := p.fail(ctx, item, stage, err)
		return failErr
	}
	if !ok {
		return p.superseded(item, stage)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, item domain.WorkItem, stage domain.Stage, cause error) (domain.Result, error) {
	runErr := &RunError{Key: item.Key, RunID: item.RunID, Stage: stage, Err: cause}

	// Record the failure even if the run context has expired.
	ok, err := p.store.Fail(context.WithoutCancel(ctx), item.Key, item.RunID)
	switch {
	case err != nil:
		runErr.Err = errors.Join(cause, fmt.Errorf("record failure: %w", err))
	case !ok:
		runErr.Err = errors.Join(cause, domain.ErrSuperseded)
		runErr.Recorded = true
	default:
		runErr.Recorded = true
	}

	p.logger.Error("generation failed", "key", item.Key.String(), "run", item.RunID,
		"stage", stage, "recorded", runErr.Recorded, "error", cause)
	return domain.Result{Status: domain.StatusError}, runErr
}

func (p *Pipeline) superseded(item domain.WorkItem, stage domain.Stage) error {
	p.logger.Warn("generation run superseded", "key", item.Key.String(), "run", item.RunID, "stage", stage)
	return &RunError{Key: item.Key, RunID: item.RunID, Stage: stage, Recorded: true, Err: domain.ErrSuperseded}
}
