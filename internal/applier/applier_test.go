package applier_test

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

	"github.com/tripwire/rewriter/internal/applier"
	"github.com/tripwire/rewriter/internal/detector"
	"github.com/tripwire/rewriter/internal/journal"
	"github.com/tripwire/rewriter/internal/queue"
	"github.com/tripwire/rewriter/internal/registry"
	"github.com/tripwire/rewriter/internal/retry"
	"github.com/tripwire/rewriter/internal/transform"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10,
	}))
}

// memRecorder collects journal entries in memory.
type memRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (m *memRecorder) Record(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

type pipeline struct {
	dir      string
	registry *registry.Registry
	queue    *queue.Queue
	detector *detector.Detector
	applier  *applier.Applier
	recorder *memRecorder
}

// rule is a (file, search, replace) triple relative to the pipeline dir.
type rule struct{ file, search, replace string }

func newPipeline(t *testing.T, rules ...rule) *pipeline {
	t.Helper()
	dir := t.TempDir()

	var compiled []*transform.Rule
	for _, r := range rules {
		c, err := transform.NewRule(filepath.Join(dir, r.file), r.search, r.replace)
		require.NoError(t, err)
		compiled = append(compiled, c)
	}

	reg := registry.New(nil, noopLogger())
	reg.Rebuild(compiled)
	q := queue.New()
	rec := &memRecorder{}

	return &pipeline{
		dir:      dir,
		registry: reg,
		queue:    q,
		detector: detector.New(reg, q, noopLogger(), time.Second),
		applier: applier.New(q, noopLogger(),
			applier.WithRecorder(rec),
			applier.WithRetry(retry.Policy{Retries: 1, Delay: time.Millisecond}),
		),
		recorder: rec,
	}
}

func (p *pipeline) path(name string) string { return filepath.Join(p.dir, name) }

func (p *pipeline) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(p.path(name), data, 0o644))
}

func (p *pipeline) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(p.path(name))
	require.NoError(t, err)
	return string(data)
}

// cycle runs one polling pass and drains the queue.
func (p *pipeline) cycle() int {
	p.detector.PollOnce()
	return p.applier.Drain(context.Background())
}

// ---------------------------------------------------------------------------
// Action
// ---------------------------------------------------------------------------

func TestAction_String(t *testing.T) {
	assert.Equal(t, "inspected", applier.Inspected.String())
	assert.Equal(t, "identified modification to", applier.Modified.String())
	assert.Equal(t, "skipped", applier.Skipped.String())
	assert.Equal(t, "vanished", applier.Vanished.String())
	assert.Equal(t, "failed", applier.Failed.String())
}

// ---------------------------------------------------------------------------
// End-to-end
// ---------------------------------------------------------------------------

func TestEndToEnd_VersionRewrite(t *testing.T) {
	p := newPipeline(t, rule{"version.txt", `version=\d+`, "version=99"})
	p.write(t, "version.txt", []byte("version=1"))

	assert.Equal(t, 1, p.cycle())
	assert.Equal(t, "version=99", p.read(t, "version.txt"))

	tf := p.registry.Targets()[0]
	obs := tf.Observed()
	info, err := os.Stat(p.path("version.txt"))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), obs.Size)
	assert.True(t, info.ModTime().Equal(obs.ModTime))

	require.Len(t, p.recorder.entries, 1)
	e := p.recorder.entries[0]
	assert.Equal(t, "inspected", e.Action)
	assert.Equal(t, "poll", e.Method)
	assert.Equal(t, 1, e.Changes)
	assert.True(t, e.Wrote)
	assert.Equal(t, int64(-1), e.SizeBefore)
	assert.Equal(t, int64(len("version=99")), e.SizeAfter)

	// Subsequent cycles with unchanged content produce nothing.
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, p.detector.PollOnce())
	}
	assert.Len(t, p.recorder.entries, 1)
}

func TestEndToEnd_ExternalEditIsReapplied(t *testing.T) {
	p := newPipeline(t, rule{"version.txt", `version=\d+`, "version=99"})
	p.write(t, "version.txt", []byte("version=1"))
	p.cycle()

	p.write(t, "version.txt", []byte("version=12345\n"))
	assert.Equal(t, 1, p.cycle())
	assert.Equal(t, "version=99\n", p.read(t, "version.txt"))

	require.Len(t, p.recorder.entries, 2)
	assert.Equal(t, "identified modification to", p.recorder.entries[1].Action)
}

func TestEndToEnd_SequentialComposition(t *testing.T) {
	p := newPipeline(t,
		rule{"app.cfg", `name=foo`, "name=FOO"},
		rule{"app.cfg", `FOO`, "BAR"},
	)
	p.write(t, "app.cfg", []byte("name=foo\nother=foo\n"))

	p.cycle()
	assert.Equal(t, "name=BAR\nother=foo\n", p.read(t, "app.cfg"))

	e := p.recorder.entries[0]
	require.Len(t, e.Rules, 2)
	assert.Equal(t, 1, e.Rules[0].Matches)
	assert.Equal(t, 1, e.Rules[1].Matches)
	assert.Equal(t, 2, e.Changes)
}

func TestProcess_NoMatchLeavesFileUntouched(t *testing.T) {
	p := newPipeline(t, rule{"notes.txt", `version=\d+`, "version=99"})
	p.write(t, "notes.txt", []byte("nothing to see"))

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(p.path("notes.txt"), past, past))

	p.cycle()

	assert.Equal(t, "nothing to see", p.read(t, "notes.txt"))
	info, err := os.Stat(p.path("notes.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "file must not be rewritten")

	e := p.recorder.entries[0]
	assert.False(t, e.Wrote)
	assert.Equal(t, 0, e.Changes)
}

func TestProcess_IdenticalOutputIsNotWritten(t *testing.T) {
	p := newPipeline(t, rule{"v.txt", `version=(\d+)`, "version=$1"})
	p.write(t, "v.txt", []byte("version=7"))

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(p.path("v.txt"), past, past))

	p.cycle()

	info, err := os.Stat(p.path("v.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past))

	e := p.recorder.entries[0]
	assert.Equal(t, 1, e.Changes, "matches are still counted")
	assert.False(t, e.Wrote)
}

func TestProcess_DuplicateItemsResultInOneWrite(t *testing.T) {
	p := newPipeline(t, rule{"version.txt", `version=\d+`, "version=99"})
	p.write(t, "version.txt", []byte("version=1"))
	tf := p.registry.Targets()[0]

	for i := 0; i < 3; i++ {
		require.NoError(t, p.queue.Push(queue.Item{Target: tf, Method: queue.Notification}))
	}

	ctx := context.Background()
	var outcomes []applier.Outcome
	for {
		item, ok := p.queue.TryPop()
		if !ok {
			break
		}
		outcomes = append(outcomes, p.applier.Process(ctx, item))
	}

	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Wrote)
	assert.Equal(t, applier.Skipped, outcomes[1].Action)
	assert.Equal(t, applier.Skipped, outcomes[2].Action)
	assert.Len(t, p.recorder.entries, 1, "skipped items are not recorded")
}

func TestProcess_PreservesBOM(t *testing.T) {
	p := newPipeline(t, rule{"bom.txt", `version=\d+`, "version=99"})
	p.write(t, "bom.txt", []byte("\xEF\xBB\xBFversion=1\r\n"))

	p.cycle()
	assert.Equal(t, "\xEF\xBB\xBFversion=99\r\n", p.read(t, "bom.txt"))
}

func TestProcess_PreservesUTF16(t *testing.T) {
	p := newPipeline(t, rule{"wide.txt", `v=\d`, "v=9"})
	p.write(t, "wide.txt", []byte{0xFF, 0xFE, 'v', 0, '=', 0, '1', 0})

	p.cycle()
	assert.Equal(t, string([]byte{0xFF, 0xFE, 'v', 0, '=', 0, '9', 0}), p.read(t, "wide.txt"))
}

func TestProcess_VanishedFileIsDropped(t *testing.T) {
	p := newPipeline(t, rule{"gone.txt", `a`, "b"})
	p.write(t, "gone.txt", []byte("a"))
	tf := p.registry.Targets()[0]

	require.NoError(t, os.Remove(p.path("gone.txt")))
	out := p.applier.Process(context.Background(), queue.Item{Target: tf})

	assert.Equal(t, applier.Skipped, out.Action, "a missing file never counts as changed")
	assert.False(t, tf.Observed().Inspected(), "snapshot is not advanced")
	assert.False(t, tf.Suppressed())
	assert.Empty(t, p.recorder.entries)
}

func TestProcess_ReleasesSuppressionOnFailure(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	p := newPipeline(t, rule{"locked.txt", `a`, "b"})
	p.write(t, "locked.txt", []byte("a"))
	require.NoError(t, os.Chmod(p.path("locked.txt"), 0o000))
	t.Cleanup(func() { _ = os.Chmod(p.path("locked.txt"), 0o644) })
	tf := p.registry.Targets()[0]

	out := p.applier.Process(context.Background(), queue.Item{Target: tf})

	assert.Equal(t, applier.Failed, out.Action)
	assert.Error(t, out.Err)
	assert.False(t, tf.Suppressed())
	assert.False(t, tf.Observed().Inspected(), "failed read leaves snapshot for retry")

	require.Len(t, p.recorder.entries, 1)
	assert.Equal(t, "failed", p.recorder.entries[0].Action)
	assert.NotEmpty(t, p.recorder.entries[0].Error)
}

func TestProcess_RecorderErrorIsNotFatal(t *testing.T) {
	p := newPipeline(t, rule{"version.txt", `version=\d+`, "version=99"})
	p.recorder.err = errors.New("disk full")
	p.write(t, "version.txt", []byte("version=1"))

	p.cycle()
	assert.Equal(t, "version=99", p.read(t, "version.txt"))
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	p := newPipeline(t, rule{"version.txt", `version=\d+`, "version=99"})
	p.write(t, "version.txt", []byte("version=1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.applier.Run(ctx) }()

	p.detector.PollOnce()
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(p.path("version.txt"))
		return err == nil && string(data) == "version=99"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ReturnsOnClosedQueue(t *testing.T) {
	p := newPipeline(t)
	p.queue.Close()
	assert.NoError(t, p.applier.Run(context.Background()))
}
