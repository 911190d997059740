package wal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexusdb/waljournal/core"
	"github.com/nexusdb/waljournal/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func openTestBuffer(t *testing.T) *WalBuffer {
	t.Helper()
	dir := t.TempDir()
	cfg, err := Load(nil)
	require.NoError(t, err)
	buf, _, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func TestWalBuffer_AppendRecordsLatencyMetric(t *testing.T) {
	buf := openTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, &core.WalEntry{
		Kind:        core.EntryKindInsertRow,
		SearchIndex: 0,
		InsertRow:   &core.InsertRowBody{Device: "d", SafelyDeletedSearchIndex: core.NoSearchIndex, Payload: []byte("x")},
	}))

	require.Greater(t, buf.metrics.AppendLatencyMicros.Count(), uint64(0))
}

func TestWalBuffer_VersionBitmapTracksRotation(t *testing.T) {
	buf := openTestBuffer(t)
	ctx := context.Background()

	assert.True(t, buf.HasVersion(1))
	assert.Equal(t, uint64(1), buf.VersionCount())

	require.NoError(t, buf.RollWriter(ctx))
	assert.True(t, buf.HasVersion(2))
	assert.Equal(t, uint64(2), buf.VersionCount())

	buf.ForgetVersion(1)
	assert.False(t, buf.HasVersion(1))
	assert.Equal(t, uint64(1), buf.VersionCount())
}

func TestWalBuffer_EntriesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(nil)
	require.NoError(t, err)
	ctx := context.Background()

	buf, recovered, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, recovered)

	require.NoError(t, buf.Append(ctx, insertRow(1, "dev")))
	require.NoError(t, buf.Append(ctx, insertRow(2, "dev")))
	require.NoError(t, buf.RollWriter(ctx))
	require.NoError(t, buf.Append(ctx, insertRow(3, "dev")))
	require.NoError(t, buf.Close())

	buf2, recovered, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)
	defer buf2.Close()

	require.Len(t, recovered, 3)
	assert.Equal(t, int64(1), recovered[0].SearchIndex)
	assert.Equal(t, int64(3), recovered[2].SearchIndex)
	assert.Equal(t, int64(3), buf2.MaxSearchIndex())
	assert.Equal(t, uint64(2), buf2.CurrentVersion())
}

func TestWalBuffer_RecoveryTruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(nil)
	require.NoError(t, err)
	ctx := context.Background()

	buf, _, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, buf.Append(ctx, insertRow(1, "dev")))
	require.NoError(t, buf.Close())

	// Simulate a crash mid-write: garbage after the last complete record.
	files, err := listSegmentFiles(dir, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.OpenFile(filepath.Join(dir, files[0].Name), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Reopen: the clean prefix survives, the garbage is cut, and new appends
	// land where a reader can still reach them.
	buf2, recovered, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.NoError(t, buf2.Append(ctx, insertRow(2, "dev")))
	require.NoError(t, buf2.Close())

	buf3, recovered, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)
	defer buf3.Close()
	require.Len(t, recovered, 2)
	assert.Equal(t, int64(2), recovered[1].SearchIndex)
}

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.EventType
}

func (l *recordingListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event.Type())
	return nil
}

func (l *recordingListener) Priority() int { return 0 }
func (l *recordingListener) IsAsync() bool { return false }

func (l *recordingListener) seen() []hooks.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hooks.EventType, len(l.events))
	copy(out, l.events)
	return out
}

func TestWalBuffer_Append_FiresPreAndPostHooks(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(nil)
	require.NoError(t, err)

	listener := &recordingListener{}
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreWALAppend, listener)
	hm.Register(hooks.EventPostWALAppend, listener)

	buf, _, err := Open(dir, cfg, nil, hm, nil)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Append(context.Background(), insertRow(1, "dev")))

	assert.Equal(t, []hooks.EventType{hooks.EventPreWALAppend, hooks.EventPostWALAppend}, listener.seen())
}

func TestWalBuffer_WaitForData_FailsOnClose(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(nil)
	require.NoError(t, err)
	buf, _, err := Open(dir, cfg, nil, nil, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := buf.WaitForData(context.Background(), buf.Generation())
		errCh <- err
	}()

	// Give the waiter a moment to block before closing underneath it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, core.ErrKindInvalidState, core.ErrKindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForData did not return after Close")
	}
}

func TestWalBuffer_Append_EmitsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prevTracer := tracer
	tracer = provider.Tracer("test")
	t.Cleanup(func() { tracer = prevTracer })

	buf := openTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, &core.WalEntry{
		Kind:        core.EntryKindInsertRow,
		SearchIndex: 0,
		InsertRow:   &core.InsertRowBody{Device: "d", SafelyDeletedSearchIndex: core.NoSearchIndex, Payload: []byte("x")},
	}))
	require.NoError(t, provider.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	assert.Equal(t, "wal.Append", spans[0].Name)
}
