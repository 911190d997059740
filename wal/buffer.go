package wal

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/caio/go-tdigest/v4"
	"github.com/nexusdb/waljournal/core"
	"github.com/nexusdb/waljournal/hooks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/nexusdb/waljournal/wal")

// Metrics exposes the counters WalBuffer maintains. The expvar.Int fields
// are injected pointers so an embedding process can wire them into a shared
// expvar.Map rather than each component creating its own.
// AppendLatencyMicros feeds a t-digest rather than a fixed histogram so a
// caller can pull any quantile after the fact without pre-choosing buckets.
type Metrics struct {
	EntriesWritten      *expvar.Int
	BytesWritten        *expvar.Int
	AppendLatencyMicros *tdigest.TDigest
}

func defaultMetrics() *Metrics {
	td, err := tdigest.New()
	if err != nil {
		// Only fails on invalid construction options; New() with no options
		// cannot, so this path is unreachable in practice.
		td = nil
	}
	return &Metrics{EntriesWritten: new(expvar.Int), BytesWritten: new(expvar.Int), AppendLatencyMicros: td}
}

// appendRequest is one caller's batch of entries waiting to be committed.
type appendRequest struct {
	entries []*core.WalEntry
	done    chan error
}

// WalBuffer is the single-writer, multi-producer append path: producers
// call Append and block on their own done channel while one serializer
// goroutine does all the actual file I/O, batching whatever arrived since
// its last pass.
type WalBuffer struct {
	dir     string
	cfg     *Config
	logger  *slog.Logger
	hooks   hooks.HookManager
	metrics *Metrics

	mu                      sync.Mutex
	active                  *SegmentWriter
	minSearchIndexSinceRoll int64
	maxSearchIndex          int64
	// versions tracks which segment version ids are currently on disk: it is
	// filled on Open and on every roll, shrunk by ForgetVersion, and queried
	// through HasVersion/VersionCount. The reclaimer still lists the
	// directory itself on each pass and only calls ForgetVersion.
	versions *roaring.Bitmap

	dataMu     sync.Mutex
	generation uint64        // bumped on every committed batch
	genCh      chan struct{} // closed and replaced on every bump

	reqCh   chan *appendRequest
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// framePool recycles the per-batch encode scratch buffer; frames are copied
// into the bufio writer before the scratch is reused.
var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// Open prepares dir for appends: it lists existing segment files, recovers
// their entries (for the caller to replay into a checkpoint.Manager), and
// either resumes the newest segment or creates the first one. The returned
// entries are ordered file-by-file, oldest version first.
func Open(dir string, cfg *Config, logger *slog.Logger, hm hooks.HookManager, metrics *Metrics) (*WalBuffer, []*core.WalEntry, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hm == nil {
		hm = hooks.NewHookManager(nil)
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, core.NewWALError(core.ErrKindIoWrite, "wal.Open", err)
	}

	files, err := listSegmentFiles(dir, logger)
	if err != nil {
		return nil, nil, err
	}

	b := &WalBuffer{
		dir:                     dir,
		cfg:                     cfg,
		logger:                  logger.With("component", "wal_buffer"),
		hooks:                   hm,
		metrics:                 metrics,
		minSearchIndexSinceRoll: core.NoSearchIndex,
		maxSearchIndex:          core.NoSearchIndex,
		reqCh:                   make(chan *appendRequest, cfg.BatchSize*4),
		closeCh:                 make(chan struct{}),
		genCh:                   make(chan struct{}),
	}
	b.versions = roaring.New()
	for _, f := range files {
		b.versions.Add(uint32(f.Version))
	}

	var recovered []*core.WalEntry
	for i, f := range files {
		path := filepath.Join(dir, f.Name)
		entries, cleanSize, err := RecoverSegmentEntries(path)
		recovered = append(recovered, entries...)
		if err != nil {
			// A corrupt tail in anything but the very last file is a real
			// problem; in the last file it's the expected shape of a crash
			// mid-write, so recovery keeps what decoded cleanly and truncates
			// the garbage so resumed appends stay reachable.
			if i != len(files)-1 || cleanSize == 0 {
				// cleanSize 0 means even the header didn't decode; there is
				// no valid prefix to resume onto.
				return nil, nil, core.NewWALError(core.ErrKindIoRead, "wal.Open", fmt.Errorf("recovering %s: %w", f.Name, err))
			}
			b.logger.Warn("truncated tail during recovery", "file", f.Name, "clean_size", cleanSize, "error", err)
			if err := os.Truncate(path, cleanSize); err != nil {
				return nil, nil, core.NewWALError(core.ErrKindIoWrite, "wal.Open", fmt.Errorf("truncating %s: %w", f.Name, err))
			}
		}
	}
	for _, e := range recovered {
		if e.SearchIndex != core.NoSearchIndex && e.SearchIndex > b.maxSearchIndex {
			b.maxSearchIndex = e.SearchIndex
		}
	}

	if len(files) == 0 {
		seg, err := CreateSegment(dir, 1, core.NoSearchIndex)
		if err != nil {
			return nil, nil, err
		}
		b.active = seg
		b.versions.Add(1)
	} else {
		last := files[len(files)-1]
		seg, err := OpenSegmentForAppend(filepath.Join(dir, last.Name), last)
		if err != nil {
			return nil, nil, err
		}
		b.active = seg
		if last.StartSearchIndex != core.NoSearchIndex {
			b.minSearchIndexSinceRoll = last.StartSearchIndex
		} else {
			b.minSearchIndexSinceRoll = core.NoSearchIndex
		}
	}

	b.wg.Add(1)
	go b.run()

	hm.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
		RecoveredEntriesCount: len(recovered),
	}))

	return b, recovered, nil
}

func listSegmentFiles(dir string, logger *slog.Logger) ([]FileMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, core.NewWALError(core.ErrKindIoRead, "wal.listSegmentFiles", err)
	}
	var files []FileMeta
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		meta, err := ParseFileName(de.Name())
		if err != nil {
			continue // malformed names are skipped by listings, per the layout contract.
		}
		files = append(files, meta)
	}
	SortAscending(files)
	return files, nil
}

// CurrentVersion returns the version of the currently-active segment.
func (b *WalBuffer) CurrentVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active.Meta().Version
}

// Append enqueues entries as one atomically-committed batch and blocks
// until they are committed, i.e. written through to the OS and also fsynced
// when SyncMode is SyncAlways (or ctx is cancelled, or the buffer is closed).
func (b *WalBuffer) Append(ctx context.Context, entries ...*core.WalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "wal.Append", trace.WithAttributes(
		attribute.Int("wal.entry_count", len(entries)),
	))
	defer span.End()

	if err := b.hooks.Trigger(ctx, hooks.NewPreWALAppendEvent(hooks.WALAppendPayload{Entries: &entries})); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.NewWALError(core.ErrKindUpstream, "wal.Append", err)
	}
	if len(entries) == 0 {
		return nil // a pre-hook vetoed the whole batch
	}

	start := time.Now()
	req := &appendRequest{entries: entries, done: make(chan error, 1)}

	select {
	case b.reqCh <- req:
	case <-b.closeCh:
		err := core.NewWALError(core.ErrKindInvalidState, "wal.Append", fmt.Errorf("buffer closed"))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		b.hooks.Trigger(ctx, hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{Entries: entries, Error: err}))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if b.metrics.AppendLatencyMicros != nil {
			_ = b.metrics.AppendLatencyMicros.Add(float64(time.Since(start).Microseconds()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RollWriter forces a new segment to be created by sending the roll signal
// through the normal append path, so it serializes with concurrent writers.
// It blocks until the roll has actually happened.
func (b *WalBuffer) RollWriter(ctx context.Context) error {
	return b.Append(ctx, &core.WalEntry{
		Kind:        core.EntryKindSignal,
		SearchIndex: core.NoSearchIndex,
		Signal:      &core.SignalBody{Signal: core.SignalRollWALWriter},
	})
}

// Close drains any in-flight request, stops the serializer, and closes the
// active segment.
func (b *WalBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.closeCh)
	b.wg.Wait()

	// A producer racing Close may still have won the enqueue after the
	// serializer's final drain; fail its listener rather than leaving it
	// blocked forever.
	for {
		select {
		case req := <-b.reqCh:
			req.done <- core.NewWALError(core.ErrKindInvalidState, "wal.Close", fmt.Errorf("buffer closed"))
			continue
		default:
		}
		break
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return b.active.Close()
	}
	return nil
}

func (b *WalBuffer) run() {
	defer b.wg.Done()

	var ticker *time.Ticker
	if b.cfg.SyncMode == SyncInterval {
		ticker = time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
	}

	for {
		select {
		case <-b.closeCh:
			b.drainRemaining()
			return
		case req := <-b.reqCh:
			batch := []*appendRequest{req}
		drain:
			for len(batch) < b.cfg.BatchSize {
				select {
				case req2 := <-b.reqCh:
					batch = append(batch, req2)
				default:
					break drain
				}
			}
			b.commitBatch(batch)
		case <-tickerC(ticker):
			b.mu.Lock()
			if b.active != nil {
				_ = b.active.Sync()
			}
			b.mu.Unlock()
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (b *WalBuffer) drainRemaining() {
	for {
		select {
		case req := <-b.reqCh:
			b.commitBatch([]*appendRequest{req})
		default:
			return
		}
	}
}

func (b *WalBuffer) commitBatch(batch []*appendRequest) {
	b.mu.Lock()
	var err error

	scratchPtr := framePool.Get().(*[]byte)
	scratch := *scratchPtr

	for _, req := range batch {
		for _, e := range req.entries {
			if e.Kind == core.EntryKindSignal && e.Signal != nil && e.Signal.Signal == core.SignalRollWALWriter {
				err = b.rotateLocked()
				if err != nil {
					break
				}
				continue
			}

			frame, encErr := AppendEntry(scratch[:0], e)
			if encErr != nil {
				err = encErr
				break
			}
			scratch = frame
			if writeErr := b.active.WriteRecord(frame); writeErr != nil {
				err = writeErr
				break
			}
			b.metrics.EntriesWritten.Add(1)
			b.metrics.BytesWritten.Add(int64(len(frame)))
			b.trackSearchIndexLocked(e)

			if size, sizeErr := b.active.Size(); sizeErr == nil && size >= b.cfg.MaxSegmentSizeBytes {
				if rotErr := b.rotateLocked(); rotErr != nil {
					err = rotErr
					break
				}
			}
		}
		if err != nil {
			break
		}
	}

	*scratchPtr = scratch
	framePool.Put(scratchPtr)

	if err == nil {
		// The bufio layer must drain to the OS on every batch so readers (the
		// search iterator, recovery of a live directory) observe committed
		// entries; the fsync itself is governed by SyncMode.
		err = b.active.Flush()
	}
	if err == nil && b.cfg.SyncMode == SyncAlways {
		err = b.active.Sync()
	}

	if err != nil && core.ErrKindOf(err) == core.ErrKindIoWrite {
		// The current segment is suspect: roll to a fresh file so subsequent
		// batches are not appended after a partially-written record.
		if rotErr := b.rotateLocked(); rotErr != nil {
			b.logger.Error("failed to roll after write error", "error", rotErr)
		}
	}

	b.mu.Unlock()

	for _, req := range batch {
		req.done <- err
	}

	if err == nil {
		b.dataMu.Lock()
		b.generation++
		close(b.genCh)
		b.genCh = make(chan struct{})
		b.dataMu.Unlock()
	}
}

// trackSearchIndexLocked updates the active segment's recorded start search
// index the first time an entry carrying one is written since the last
// roll, and renames the file in place to reflect it.
func (b *WalBuffer) trackSearchIndexLocked(e *core.WalEntry) {
	if e.SearchIndex == core.NoSearchIndex {
		return
	}
	if e.SearchIndex > b.maxSearchIndex {
		b.maxSearchIndex = e.SearchIndex
	}
	if b.minSearchIndexSinceRoll != core.NoSearchIndex {
		return
	}
	b.minSearchIndexSinceRoll = e.SearchIndex
	if err := b.active.Finalize(e.SearchIndex); err != nil {
		b.logger.Warn("failed to finalize segment name with start search index", "error", err)
	}
}

func (b *WalBuffer) rotateLocked() error {
	oldVersion := b.active.Meta().Version
	oldPath := b.active.Path()
	if err := b.active.Close(); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.rotate", err)
	}

	newVersion := oldVersion + 1
	seg, err := CreateSegment(b.dir, newVersion, core.NoSearchIndex)
	if err != nil {
		return err
	}
	b.active = seg
	b.minSearchIndexSinceRoll = core.NoSearchIndex
	b.versions.Add(uint32(newVersion))

	b.hooks.Trigger(context.Background(), hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
		OldVersion:     oldVersion,
		NewVersion:     newVersion,
		NewSegmentPath: seg.Path(),
	}))
	b.logger.Debug("rolled wal segment", "old_path", oldPath, "new_path", seg.Path())
	return nil
}

// WaitForData blocks until a new batch has been committed since
// sinceGeneration, or ctx is cancelled, or the buffer is closed. Callers
// (the search iterator) pass back the generation they last observed via
// Generation.
func (b *WalBuffer) WaitForData(ctx context.Context, sinceGeneration uint64) (uint64, error) {
	for {
		b.dataMu.Lock()
		gen, ch := b.generation, b.genCh
		b.dataMu.Unlock()
		if gen != sinceGeneration {
			return gen, nil
		}

		select {
		case <-ch:
		case <-b.closeCh:
			return gen, core.NewWALError(core.ErrKindInvalidState, "wal.WaitForData", fmt.Errorf("buffer closed"))
		case <-ctx.Done():
			return sinceGeneration, ctx.Err()
		}
	}
}

// Generation returns the current commit generation counter, for a caller
// that wants to remember "as of what point have I seen everything".
func (b *WalBuffer) Generation() uint64 {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	return b.generation
}

// ListFiles returns the currently on-disk segment files, sorted ascending
// by version. Used by the search iterator and the reclaimer.
func (b *WalBuffer) ListFiles() ([]FileMeta, error) {
	return listSegmentFiles(b.dir, b.logger)
}

// Dir returns the directory this buffer writes into.
func (b *WalBuffer) Dir() string { return b.dir }

// HasVersion reports whether version is currently tracked as present on
// disk, without a directory listing.
func (b *WalBuffer) HasVersion(version uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions.Contains(uint32(version))
}

// ForgetVersion removes version from the tracked set. Callers that delete a
// segment file out-of-band (the reclaimer) call this to keep the bitmap in
// sync without forcing a re-list.
func (b *WalBuffer) ForgetVersion(version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions.Remove(uint32(version))
}

// VersionCount returns how many segment versions are currently tracked.
func (b *WalBuffer) VersionCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions.GetCardinality()
}

// MaxSearchIndex returns the largest search index committed to this buffer
// (including entries recovered at Open), or core.NoSearchIndex if no indexed
// entry has ever been written.
func (b *WalBuffer) MaxSearchIndex() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSearchIndex
}

// IsAllEntriesConsumed reports whether every enqueued entry has been
// committed to disk: no request is waiting in the queue and no batch is
// mid-commit. Test support.
func (b *WalBuffer) IsAllEntriesConsumed() bool {
	b.mu.Lock() // held by commitBatch for the duration of a batch
	defer b.mu.Unlock()
	return len(b.reqCh) == 0
}
