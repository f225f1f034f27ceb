package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/infrastructure/storage"
)

var testKey = domain.Key{Source: "A", Collection: "B", Number: 5}

type fakeSource struct {
	mu          sync.Mutex
	fingerprint string
	content     string
	resolveErr  error
	fetchErr    error
	gate        chan struct{}

	resolveCalls atomic.Int32
	fetchCalls   atomic.Int32
}

func newFakeSource(fingerprint string) *fakeSource {
	return &fakeSource{fingerprint: fingerprint}
}

func (f *fakeSource) setFingerprint(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprint = fp
}

func (f *fakeSource) ResolveFingerprint(ctx context.Context, key domain.Key) (string, error) {
	f.resolveCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.fingerprint, nil
}

func (f *fakeSource) FetchContent(ctx context.Context, key domain.Key, fingerprint string) (string, error) {
	f.fetchCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	if f.content != "" {
		return f.content, nil
	}
	return fmt.Sprintf("diff --git a/f b/f\n+rev %s\n", fingerprint), nil
}

type fakeProvider struct {
	mu   sync.Mutex
	err  error
	gate chan struct{}

	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Complete echoes the diff section of the prompt inside a fenced block.
func (p *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return "# Summary\n\n```diff\n" + diffSection(prompt) + "```\n", nil
}

func diffSection(prompt string) string {
	const marker = "Diff:\n"
	for i := len(prompt) - len(marker); i >= 0; i-- {
		if prompt[i:i+len(marker)] == marker {
			return prompt[i+len(marker):]
		}
	}
	return prompt
}

type harness struct {
	svc      *Service
	store    *storage.SQLRepository
	source   *fakeSource
	provider *fakeProvider
}

func newHarness(t *testing.T, source *fakeSource, provider *fakeProvider, tune func(*ServiceDeps)) *harness {
	t.Helper()

	store, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "work.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	deps := ServiceDeps{
		Source:       source,
		Provider:     provider,
		Store:        store,
		PollInterval: 5 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
		RunTimeout:   5 * time.Second,
	}
	if tune != nil {
		tune(&deps)
	}

	svc := NewService(deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &harness{svc: svc, store: store, source: source, provider: provider}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
}

func (h *harness) item(t *testing.T) domain.WorkItem {
	t.Helper()
	item, found, err := h.store.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, found)
	return item
}
