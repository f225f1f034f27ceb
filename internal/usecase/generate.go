package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/logging"
	"DiffBuddy/internal/ports"
)

const (
	defaultPollInterval = time.Second
	defaultWaitTimeout  = 5 * time.Minute
	defaultRunTimeout   = 10 * time.Minute
)

// ServiceDeps wires adapters and tuning into the generation service.
type ServiceDeps struct {
	Source   ports.RevisionSource
	Provider ports.Provider
	Store    ports.WorkItemStore
	Logger   *slog.Logger

	PollInterval time.Duration
	WaitTimeout  time.Duration
	StaleAfter   time.Duration
	RunTimeout   time.Duration

	// Now and NewRunID default to time.Now and UUIDv7 strings.
	Now      func() time.Time
	NewRunID func() string
}

// Service is the caller-facing generate/poll contract.
type Service struct {
	source      ports.RevisionSource
	store       ports.WorkItemStore
	coordinator *Coordinator
	pipeline    *Pipeline
	dispatcher  *Dispatcher
	logger      *slog.Logger

	pollInterval time.Duration
	waitTimeout  time.Duration
	runTimeout   time.Duration
}

// NewService constructs the service and starts its background supervisor.
func NewService(deps ServiceDeps) *Service {
	logger := logging.OrDiscard(deps.Logger)

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newRunID := deps.NewRunID
	if newRunID == nil {
		newRunID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}

	s := &Service{
		source:       deps.Source,
		store:        deps.Store,
		logger:       logger,
		pollInterval: orDefault(deps.PollInterval, defaultPollInterval),
		waitTimeout:  orDefault(deps.WaitTimeout, defaultWaitTimeout),
		runTimeout:   orDefault(deps.RunTimeout, defaultRunTimeout),
	}
	s.coordinator = NewCoordinator(deps.Store, now, newRunID, deps.StaleAfter, logger.With("component", "coordinator"))
	s.pipeline = NewPipeline(PipelineDeps{
		Source:   deps.Source,
		Provider: deps.Provider,
		Store:    deps.Store,
		Logger:   logger.With("component", "pipeline"),
	})
	s.dispatcher = NewDispatcher(s.supervise)
	return s
}

// Generate returns the artifact for key, generating it if needed. With wait
// the call blocks until whichever run holds the lock resolves; without it an
// acquired run is dispatched in the background and a generating status is
// returned immediately.
func (s *Service) Generate(ctx context.Context, key domain.Key, wait bool) (domain.Result, error) {
	fingerprint, err := s.source.ResolveFingerprint(ctx, key)
	switch {
	case errors.Is(err, domain.ErrMissingRevision):
		return domain.Result{}, err
	case errors.Is(err, domain.ErrNotFound):
		return domain.Result{}, fmt.Errorf("%w: %w", domain.ErrMissingRevision, err)
	case err != nil:
		return domain.Result{}, fmt.Errorf("%w: resolve %s: %w", domain.ErrUpstreamFetch, key, err)
	case fingerprint == "":
		return domain.Result{}, fmt.Errorf("%w: %s", domain.ErrMissingRevision, key)
	}

	return s.generate(ctx, key, fingerprint, wait)
}

// Poll reports the stored status for key without triggering work. A key that
// was never requested is idle.
func (s *Service) Poll(ctx context.Context, key domain.Key) (domain.Result, error) {
	item, found, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Result{}, fmt.Errorf("poll %s: %w", key, err)
	}
	if !found {
		return domain.Result{Status: domain.StatusIdle}, nil
	}
	return domain.ResultOf(item), nil
}

// Shutdown waits for background generations to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.dispatcher.Shutdown(ctx)
}

func (s *Service) generate(ctx context.Context, key domain.Key, fingerprint string, wait bool) (domain.Result, error) {
	acq, err := s.coordinator.Acquire(ctx, key, fingerprint)
	if err != nil {
		return domain.Result{}, err
	}

	switch acq.Outcome {
	case Fresh:
		return domain.ResultOf(acq.Item), nil
	case AlreadyRunning:
		if !wait {
			return domain.ResultOf(acq.Item), nil
		}
		return s.await(ctx, key, fingerprint)
	}

	done, err := s.dispatch(ctx, acq.Item)
	if err != nil {
		return domain.Result{}, err
	}
	if !wait {
		return domain.ResultOf(acq.Item), nil
	}

	select {
	case res := <-done:
		if errors.Is(res.err, domain.ErrSuperseded) {
			return s.await(ctx, key, fingerprint)
		}
		return res.result, res.err
	case <-ctx.Done():
		// The run keeps going under the dispatcher; a later poll sees it.
		return domain.Result{}, fmt.Errorf("wait for %s: %w", key, ctx.Err())
	}
}

type runOutcome struct {
	result domain.Result
	err    error
}

func (s *Service) dispatch(ctx context.Context, item domain.WorkItem) (<-chan runOutcome, error) {
	done := make(chan runOutcome, 1)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)

	_, err := s.dispatcher.Go(runCtx, "generate "+item.Key.String(), func(ctx context.Context) error {
		defer cancel()
		result, err := s.pipeline.Run(ctx, item)
		done <- runOutcome{result: result, err: err}
		return err
	})
	if err != nil {
		cancel()
		// Release the lock we hold so the key does not stay generating.
		_, failErr := s.store.Fail(context.WithoutCancel(ctx), item.Key, item.RunID)
		return nil, errors.Join(fmt.Errorf("dispatch %s: %w", item.Key, err), failErr)
	}
	return done, nil
}

// await polls the row until the run holding the lock resolves. If nobody is
// generating any more (reset, or the lock went stale) it competes for the
// lock again.
func (s *Service) await(ctx context.Context, key domain.Key, fingerprint string) (domain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.Result{}, fmt.Errorf("wait for %s: %w", key, ctx.Err())
		case <-ticker.C:
		}

		item, found, err := s.store.Get(ctx, key)
		if err != nil {
			return domain.Result{}, fmt.Errorf("wait for %s: %w", key, err)
		}

		switch {
		case found && item.Status == domain.StatusReady:
			return domain.ResultOf(item), nil
		case found && item.Status == domain.StatusError:
			return domain.ResultOf(item), fmt.Errorf("%s: %w", key, domain.ErrGenerationFailed)
		case !found || item.Status == domain.StatusIdle || s.coordinator.IsStale(item):
			s.logger.Debug("no active generation while waiting, competing for lock", "key", key, "found", found)
			return s.generate(ctx, key, fingerprint, true)
		}
	}
}

func (s *Service) supervise(err error) {
	var runErr *RunError
	if !errors.As(err, &runErr) {
		s.logger.Error("background job failed", "error", err)
		return
	}

	if errors.Is(runErr, domain.ErrSuperseded) {
		s.logger.Debug("background generation superseded", "key", runErr.Key.String(), "run", runErr.RunID)
		return
	}

	if !runErr.Recorded {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.store.Fail(ctx, runErr.Key, runErr.RunID); err != nil {
			s.logger.Error("cannot record generation failure", "key", runErr.Key.String(), "run", runErr.RunID, "error", err)
			return
		}
	}
	s.logger.Debug("background generation failed", "key", runErr.Key.String(), "run", runErr.RunID, "stage", runErr.Stage)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
