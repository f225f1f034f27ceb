package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DiffBuddy/internal/domain"
)

func TestGenerateWaitProducesArtifact(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	source.content = "diff --git a/x b/x\n+```go\n+x := 1\n+```\n"
	h := newHarness(t, source, &fakeProvider{}, nil)

	res, err := h.svc.Generate(context.Background(), testKey, true)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReady, res.Status)
	assert.Equal(t, source.content, res.RawContent)
	assert.Equal(t, "# Summary\n\n````diff\n"+source.content+"````\n", res.Artifact)

	item := h.item(t)
	assert.Equal(t, domain.StatusReady, item.Status)
	assert.Equal(t, "abc", item.RevisionFingerprint)
	assert.Equal(t, res.Artifact, item.Artifact)
	assert.Equal(t, domain.StageNone, item.Stage)
	assert.True(t, item.StartedAt.IsZero())
}

func TestGenerateSingleFlight(t *testing.T) {
	t.Parallel()

	const callers = 8
	provider := &fakeProvider{gate: make(chan struct{})}
	source := newFakeSource("abc")
	h := newHarness(t, source, provider, nil)

	var wg sync.WaitGroup
	results := make([]domain.Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Generate(context.Background(), testKey, true)
		}(i)
	}

	require.Eventually(t, func() bool {
		return source.resolveCalls.Load() == callers && provider.calls.Load() == 1
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(provider.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, domain.StatusReady, results[i].Status, "caller %d", i)
		assert.Equal(t, results[0].Artifact, results[i].Artifact, "caller %d", i)
	}
	assert.EqualValues(t, 1, source.fetchCalls.Load())
	assert.EqualValues(t, 1, provider.calls.Load())
}

func TestGenerateNoWaitSingleFlightAcrossCallers(t *testing.T) {
	t.Parallel()

	const callers = 8
	source := newFakeSource("abc")
	provider := &fakeProvider{}
	h := newHarness(t, source, provider, nil)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Generate(context.Background(), testKey, false)
			assert.NoError(t, err)
			assert.Contains(t, []domain.Status{domain.StatusGenerating, domain.StatusReady}, res.Status)
		}()
	}
	wg.Wait()
	h.drain(t)

	assert.EqualValues(t, 1, source.fetchCalls.Load())
	assert.EqualValues(t, 1, provider.calls.Load())
	assert.Equal(t, domain.StatusReady, h.item(t).Status)
}

func TestGenerateNoWaitSecondCallerSeesSameRun(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	source.gate = make(chan struct{})
	h := newHarness(t, source, &fakeProvider{}, nil)
	ctx := context.Background()

	first, err := h.svc.Generate(ctx, testKey, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGenerating, first.Status)
	assert.Equal(t, domain.StageFetchingSource, first.Stage)
	require.NotNil(t, first.StartedAt)

	second, err := h.svc.Generate(ctx, testKey, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGenerating, second.Status)
	require.NotNil(t, second.StartedAt)
	assert.True(t, first.StartedAt.Equal(*second.StartedAt), "%v != %v", first.StartedAt, second.StartedAt)

	close(source.gate)
	h.drain(t)

	assert.EqualValues(t, 1, source.fetchCalls.Load())
	polled, err := h.svc.Poll(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, polled.Status)
}

func TestGenerateCacheHitMakesNoUpstreamCalls(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	provider := &fakeProvider{}
	h := newHarness(t, source, provider, nil)
	ctx := context.Background()

	first, err := h.svc.Generate(ctx, testKey, true)
	require.NoError(t, err)

	second, err := h.svc.Generate(ctx, testKey, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, source.fetchCalls.Load())
	assert.EqualValues(t, 1, provider.calls.Load())
}

func TestGenerateInvalidatesStaleArtifact(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	provider := &fakeProvider{}
	h := newHarness(t, source, provider, nil)
	ctx := context.Background()

	old, err := h.svc.Generate(ctx, testKey, true)
	require.NoError(t, err)
	assert.Contains(t, old.RawContent, "+rev abc")

	source.setFingerprint("def")
	fresh, err := h.svc.Generate(ctx, testKey, true)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReady, fresh.Status)
	assert.Contains(t, fresh.RawContent, "+rev def")
	assert.NotEqual(t, old.Artifact, fresh.Artifact)
	assert.Equal(t, "def", h.item(t).RevisionFingerprint)
	assert.EqualValues(t, 2, source.fetchCalls.Load())
	assert.EqualValues(t, 2, provider.calls.Load())
}

func TestGenerateProviderFailure(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("model overloaded")}
	h := newHarness(t, newFakeSource("abc"), provider, nil)
	ctx := context.Background()

	res, err := h.svc.Generate(ctx, testKey, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProvider), "got %v", err)
	assert.Equal(t, domain.StatusError, res.Status)

	item := h.item(t)
	assert.Equal(t, domain.StatusError, item.Status)
	assert.Equal(t, domain.StageNone, item.Stage)
	assert.True(t, item.StartedAt.IsZero())

	for i := 0; i < 3; i++ {
		polled, err := h.svc.Poll(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, domain.Result{Status: domain.StatusError}, polled)
	}

	provider.setErr(nil)
	res, err = h.svc.Generate(ctx, testKey, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, res.Status)
	assert.EqualValues(t, 2, provider.calls.Load())
}

func TestGenerateUpstreamFailureRecordedWithoutWait(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	source.fetchErr = errors.New("connection reset")
	provider := &fakeProvider{}
	h := newHarness(t, source, provider, nil)
	ctx := context.Background()

	res, err := h.svc.Generate(ctx, testKey, false)
	require.NoError(t, err, "no-wait callers never see pipeline errors")
	assert.Equal(t, domain.StatusGenerating, res.Status)

	h.drain(t)

	polled, err := h.svc.Poll(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, polled.Status)
	assert.EqualValues(t, 0, provider.calls.Load())
}

func TestGenerateMissingRevision(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"not found":    domain.ErrNotFound,
		"missing head": domain.ErrMissingRevision,
	}
	for name, resolveErr := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			source := newFakeSource("")
			source.resolveErr = resolveErr
			h := newHarness(t, source, &fakeProvider{}, nil)

			_, err := h.svc.Generate(context.Background(), testKey, true)
			assert.True(t, errors.Is(err, domain.ErrMissingRevision), "got %v", err)

			polled, err := h.svc.Poll(context.Background(), testKey)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusIdle, polled.Status, "no row is created")
			assert.EqualValues(t, 0, source.fetchCalls.Load())
		})
	}
}

func TestGenerateResolveFailureIsUpstreamError(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	source.resolveErr = errors.New("dial tcp: timeout")
	h := newHarness(t, source, &fakeProvider{}, nil)

	_, err := h.svc.Generate(context.Background(), testKey, false)
	assert.True(t, errors.Is(err, domain.ErrUpstreamFetch), "got %v", err)
}

func TestGenerateWaitObservesOtherRunFailure(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	h := newHarness(t, source, &fakeProvider{}, nil)
	ctx := context.Background()

	created, err := h.store.Create(ctx, testKey, domain.Claim{Fingerprint: "abc", RunID: "other", StartedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, created)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Generate(ctx, testKey, true)
		done <- err
	}()

	require.Eventually(t, func() bool { return source.resolveCalls.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_, err = h.store.Fail(ctx, testKey, "other")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, domain.ErrGenerationFailed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not return")
	}
	assert.EqualValues(t, 0, source.fetchCalls.Load())
}

func TestGenerateWaitObservesOtherRunSuccess(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	h := newHarness(t, source, &fakeProvider{}, nil)
	ctx := context.Background()

	_, err := h.store.Create(ctx, testKey, domain.Claim{Fingerprint: "abc", RunID: "other", StartedAt: time.Now()})
	require.NoError(t, err)

	done := make(chan domain.Result, 1)
	go func() {
		res, err := h.svc.Generate(ctx, testKey, true)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return source.resolveCalls.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_, err = h.store.Complete(ctx, testKey, "other", "diff", "summary")
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, domain.Result{Status: domain.StatusReady, Artifact: "summary", RawContent: "diff"}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not return")
	}
}

func TestGenerateTakesOverStaleLock(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	h := newHarness(t, source, &fakeProvider{}, func(d *ServiceDeps) {
		d.StaleAfter = 10 * time.Minute
	})
	ctx := context.Background()

	_, err := h.store.Create(ctx, testKey, domain.Claim{Fingerprint: "abc", RunID: "crashed", StartedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	res, err := h.svc.Generate(ctx, testKey, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, res.Status)
	assert.NotEqual(t, "crashed", h.item(t).RunID)
}

func TestGenerateStaleLockWithoutRecoveryKeepsRunning(t *testing.T) {
	t.Parallel()

	source := newFakeSource("abc")
	h := newHarness(t, source, &fakeProvider{}, nil)
	ctx := context.Background()

	started := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	_, err := h.store.Create(ctx, testKey, domain.Claim{Fingerprint: "abc", RunID: "crashed", StartedAt: started})
	require.NoError(t, err)

	res, err := h.svc.Generate(ctx, testKey, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGenerating, res.Status)
	require.NotNil(t, res.StartedAt)
	assert.True(t, started.Equal(*res.StartedAt))
	assert.EqualValues(t, 0, source.fetchCalls.Load())
}

func TestGenerateWaitRespectsContext(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{gate: make(chan struct{})}
	h := newHarness(t, newFakeSource("abc"), provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.svc.Generate(ctx, testKey, true)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	// The run continues after the caller leaves.
	close(provider.gate)
	h.drain(t)

	polled, err := h.svc.Poll(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, polled.Status)
	assert.True(t, strings.HasPrefix(polled.Artifact, "# Summary"))
}

func TestGenerateAfterShutdownReleasesLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource("abc"), &fakeProvider{}, nil)
	h.drain(t)

	_, err := h.svc.Generate(context.Background(), testKey, false)
	assert.True(t, errors.Is(err, ErrDispatcherClosed), "got %v", err)
	assert.Equal(t, domain.StatusError, h.item(t).Status)
}

func TestPollUnknownKeyIsIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource("abc"), &fakeProvider{}, nil)
	res, err := h.svc.Poll(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{Status: domain.StatusIdle}, res)
}
