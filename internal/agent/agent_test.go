package agent_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/rewriter/internal/agent"
	"github.com/tripwire/rewriter/internal/applier"
	"github.com/tripwire/rewriter/internal/config"
	"github.com/tripwire/rewriter/internal/journal"
	"github.com/tripwire/rewriter/internal/retry"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// memRecorder collects journal entries.
type memRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memRecorder) Record(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRecorder) wrote() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Wrote {
			n++
		}
	}
	return n
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

type fixture struct {
	dir      string
	store    *config.Store
	recorder *memRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "settings", "settings.json"),
		config.WithLogger(noopLogger()),
		config.WithDebounce(20*time.Millisecond),
		config.WithRetry(retry.Policy{Retries: 1, Delay: time.Millisecond}),
	)
	return &fixture{dir: dir, store: store, recorder: &memRecorder{}}
}

func (f *fixture) file(name string) string { return filepath.Join(f.dir, name) }

func (f *fixture) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.file(name), []byte(content), 0o644))
}

func (f *fixture) readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(f.file(name))
	require.NoError(t, err)
	return string(data)
}

// writeSettings writes the settings file directly, as an external editor
// would.
func (f *fixture) writeSettings(t *testing.T, updates ...config.FileUpdate) {
	t.Helper()
	data, err := config.Marshal(config.Settings{FileUpdates: updates}, "json")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.store.Path()), 0o755))
	require.NoError(t, os.WriteFile(f.store.Path(), data, 0o644))
}

func (f *fixture) newAgent(opts ...agent.Option) *agent.Agent {
	opts = append([]agent.Option{
		agent.WithRecorder(f.recorder),
		agent.WithRetry(retry.Policy{Retries: 1, Delay: time.Millisecond}),
	}, opts...)
	return agent.New(f.store, noopLogger(), opts...)
}

func startAgent(t *testing.T, ag *agent.Agent) {
	t.Helper()
	require.NoError(t, ag.Start(context.Background()))
	t.Cleanup(ag.Stop)
}

func (f *fixture) versionRule() config.FileUpdate {
	return config.FileUpdate{FilePath: f.file("version.txt"), SearchPattern: `version=\d+`, ReplacePattern: "version=99"}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestAgent_StartStop_NoSettings(t *testing.T) {
	f := newFixture(t)
	ag := f.newAgent()

	require.NoError(t, ag.Start(context.Background()))
	// Starting a running agent is a no-op.
	require.NoError(t, ag.Start(context.Background()))
	assert.Equal(t, "ok", ag.Health().Status)

	ag.Stop()
	// Stopping a second time must be safe (no panic, no error).
	ag.Stop()

	select {
	case <-ag.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, ag.Err())
	assert.Equal(t, "stopped", ag.Health().Status)
}

func TestAgent_StopBeforeStart(t *testing.T) {
	f := newFixture(t)
	ag := f.newAgent()
	ag.Stop()
	assert.Nil(t, ag.Done())
}

func TestAgent_ContextCancelStops(t *testing.T) {
	f := newFixture(t)
	ag := f.newAgent(agent.WithPollOnly())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ag.Start(ctx))
	cancel()

	select {
	case <-ag.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after context cancel")
	}
	assert.NoError(t, ag.Err())
}

func TestAgent_MalformedSettingsIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.store.Path()), 0o755))
	require.NoError(t, os.WriteFile(f.store.Path(), []byte(`{"FileUpdates": [`), 0o644))

	ag := f.newAgent(agent.WithPollOnly())
	require.NoError(t, ag.Start(context.Background()))

	select {
	case <-ag.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent kept running with unreadable settings")
	}
	assert.Error(t, ag.Err())
}

// --------------------------------------------------------------------------
// Pipeline
// --------------------------------------------------------------------------

func TestAgent_RewritesOnStartup(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "version.txt", "version=1")
	f.writeSettings(t, f.versionRule())

	ag := f.newAgent()
	startAgent(t, ag)

	require.Eventually(t, func() bool {
		return f.readFile(t, "version.txt") == "version=99"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool { return ag.Health().Targets == 1 }, time.Second, 10*time.Millisecond)

	// No further writes while the file stays unchanged.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, f.recorder.wrote())
}

func TestAgent_ReappliesAfterExternalEdit(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []agent.Option
	}{
		{"notifications", nil},
		{"poll only", []agent.Option{agent.WithPollOnly()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.writeFile(t, "version.txt", "version=1")
			f.writeSettings(t, f.versionRule())

			ag := f.newAgent(tc.opts...)
			startAgent(t, ag)

			require.Eventually(t, func() bool {
				return f.readFile(t, "version.txt") == "version=99"
			}, 5*time.Second, 20*time.Millisecond)

			f.writeFile(t, "version.txt", "release notes\nversion=2\n")
			require.Eventually(t, func() bool {
				return f.readFile(t, "version.txt") == "release notes\nversion=99\n"
			}, 5*time.Second, 20*time.Millisecond)
		})
	}
}

func TestAgent_WaitsForRules(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "version.txt", "version=1")
	f.writeSettings(t)

	ag := f.newAgent()
	startAgent(t, ag)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "version=1", f.readFile(t, "version.txt"))
	assert.Zero(t, ag.Health().Targets)

	f.writeSettings(t, f.versionRule())
	require.Eventually(t, func() bool {
		return f.readFile(t, "version.txt") == "version=99"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgent_ReloadReplacesRules(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.txt", "alpha")
	f.writeFile(t, "b.txt", "beta")
	f.writeSettings(t, config.FileUpdate{FilePath: f.file("a.txt"), SearchPattern: "alpha", ReplacePattern: "ALPHA"})

	ag := f.newAgent()
	startAgent(t, ag)

	require.Eventually(t, func() bool {
		return f.readFile(t, "a.txt") == "ALPHA"
	}, 5*time.Second, 20*time.Millisecond)

	f.writeSettings(t, config.FileUpdate{FilePath: f.file("b.txt"), SearchPattern: "beta", ReplacePattern: "BETA"})
	require.Eventually(t, func() bool {
		return f.readFile(t, "b.txt") == "BETA"
	}, 5*time.Second, 20*time.Millisecond)

	// a.txt is no longer managed.
	f.writeFile(t, "a.txt", "alpha")
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, "alpha", f.readFile(t, "a.txt"))
}

func TestAgent_SavedSettingsAreNotReloaded(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "version.txt", "version=1")
	require.NoError(t, f.store.Save(context.Background(), config.Settings{
		FileUpdates: []config.FileUpdate{f.versionRule()},
	}))

	ag := f.newAgent()
	startAgent(t, ag)
	require.Eventually(t, func() bool {
		return f.readFile(t, "version.txt") == "version=99"
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.store.Save(context.Background(), config.Settings{
		FileUpdates:   []config.FileUpdate{f.versionRule()},
		PollFrequency: 3 * time.Second,
	}))

	select {
	case <-f.store.Changed():
		t.Fatal("own save was published as an external change")
	case <-time.After(300 * time.Millisecond):
	}
}

// --------------------------------------------------------------------------
// RunOnce
// --------------------------------------------------------------------------

func TestAgent_RunOnce(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "version.txt", "version=1")
	f.writeFile(t, "README.md", "no version here")
	f.writeSettings(t,
		f.versionRule(),
		config.FileUpdate{FilePath: f.file("README.md"), SearchPattern: `v\d+`, ReplacePattern: "v2"},
		config.FileUpdate{FilePath: f.file("missing.txt"), SearchPattern: "x", ReplacePattern: "y"},
	)

	ag := f.newAgent()
	outcomes, err := ag.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, outcomes, 2, "the missing file produces no item")
	byPath := map[string]applier.Outcome{}
	for _, o := range outcomes {
		byPath[filepath.Base(o.Target.Path)] = o
	}
	assert.True(t, byPath["version.txt"].Wrote)
	assert.Equal(t, 1, byPath["version.txt"].Changes())
	assert.False(t, byPath["README.md"].Wrote)
	assert.Zero(t, byPath["README.md"].Changes())

	assert.Equal(t, "version=99", f.readFile(t, "version.txt"))
	assert.Equal(t, "no version here", f.readFile(t, "README.md"))
}

func TestAgent_RunOnce_NoRules(t *testing.T) {
	f := newFixture(t)
	_, err := f.newAgent().RunOnce(context.Background())
	assert.True(t, errors.Is(err, config.ErrNoRules))
}
