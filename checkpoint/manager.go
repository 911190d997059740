package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexusdb/waljournal/core"
	"github.com/nexusdb/waljournal/hooks"
)

// MemTableInfo tracks one in-memory table's stake in the WAL: which file
// version its data (or a later snapshot of it) first appears in, and its
// approximate cost, so the reclaimer knows what is still pinning old files.
type MemTableInfo struct {
	MemtableID       int64
	TargetTsFilePath string
	FirstFileVersion uint64
	Cost             int64
}

// EntryAppender is the capability Manager needs to make its mutations
// durable: the append side of a WalBuffer, injected rather than imported
// directly so checkpoint has no compile-time dependency on wal's internals.
type EntryAppender interface {
	Append(ctx context.Context, entries ...*core.WalEntry) error
}

// Manager is the live memtable registry a node consults to compute its
// first valid WAL version and its active/flushed cost split. Nothing here
// is durably required on its own: every mutation also appends a matching
// in-band WalEntry, so a fresh Manager can be rebuilt by replaying those
// entries from the oldest retained file forward (see Replay).
type Manager struct {
	mu    sync.RWMutex
	live  map[int64]*MemTableInfo
	order []int64 // insertion order, for OldestMemtable; pruned lazily

	totalActiveCost int64

	appender EntryAppender
	logger   *slog.Logger
	hooks    hooks.HookManager

	replaying bool
}

// NewManager creates an empty checkpoint manager. Pass the entries recovered
// from WAL.Open to Replay before serving any new registrations, so the live
// set reflects what was durable before restart.
func NewManager(appender EntryAppender, logger *slog.Logger, hm hooks.HookManager) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if hm == nil {
		hm = hooks.NewHookManager(nil)
	}
	return &Manager{
		live:     make(map[int64]*MemTableInfo),
		appender: appender,
		logger:   logger.With("component", "checkpoint"),
		hooks:    hm,
	}
}

// Replay rebuilds the live set from checkpoint entries recovered from the
// WAL itself, without re-emitting them. Must be called, if at all, before
// any new RegisterMemtable/FlushMemtable/SetFirstFileVersion calls.
func (m *Manager) Replay(entries []*core.WalEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaying = true
	defer func() { m.replaying = false }()

	for _, e := range entries {
		if e.Kind != core.EntryKindCheckpointCreate && e.Kind != core.EntryKindCheckpointFlush && e.Kind != core.EntryKindCheckpointAdvance {
			continue
		}
		b := e.Checkpoint
		switch e.Kind {
		case core.EntryKindCheckpointCreate:
			m.registerLocked(&MemTableInfo{MemtableID: b.MemtableID, FirstFileVersion: b.FirstFileVersion, Cost: b.MemtableCost})
		case core.EntryKindCheckpointFlush:
			m.flushLocked(b.MemtableID)
		case core.EntryKindCheckpointAdvance:
			m.setFirstFileVersionLocked(b.MemtableID, b.FirstFileVersion)
		}
	}
}

// RegisterMemtable adds info to the live set and records its initial file
// version. Mirrors on_memtable_created.
func (m *Manager) RegisterMemtable(ctx context.Context, info MemTableInfo) error {
	m.mu.Lock()
	m.registerLocked(&info)
	m.mu.Unlock()

	if err := m.appendCheckpointEntry(ctx, &core.WalEntry{
		Kind:        core.EntryKindCheckpointCreate,
		SearchIndex: core.NoSearchIndex,
		Checkpoint: &core.CheckpointBody{
			MemtableID:       info.MemtableID,
			MemtableCost:     info.Cost,
			FirstFileVersion: info.FirstFileVersion,
		},
	}); err != nil {
		return err
	}

	m.hooks.Trigger(ctx, hooks.NewPostCheckpointCreateEvent(hooks.PostCheckpointCreatePayload{
		MemtableID:       info.MemtableID,
		FirstFileVersion: info.FirstFileVersion,
	}))
	return nil
}

func (m *Manager) registerLocked(info *MemTableInfo) {
	if _, exists := m.live[info.MemtableID]; exists {
		return
	}
	m.live[info.MemtableID] = info
	m.order = append(m.order, info.MemtableID)
	m.totalActiveCost += info.Cost
}

// FlushMemtable removes memtableID from the live set. Idempotent: flushing
// an id that isn't live is a no-op.
func (m *Manager) FlushMemtable(ctx context.Context, memtableID int64) error {
	m.mu.Lock()
	removed := m.flushLocked(memtableID)
	m.mu.Unlock()

	if !removed {
		return nil
	}

	if err := m.appendCheckpointEntry(ctx, &core.WalEntry{
		Kind:        core.EntryKindCheckpointFlush,
		SearchIndex: core.NoSearchIndex,
		Checkpoint:  &core.CheckpointBody{MemtableID: memtableID},
	}); err != nil {
		return err
	}

	m.hooks.Trigger(ctx, hooks.NewPostCheckpointFlushEvent(hooks.PostCheckpointFlushPayload{MemtableID: memtableID}))
	return nil
}

func (m *Manager) flushLocked(memtableID int64) bool {
	info, ok := m.live[memtableID]
	if !ok {
		return false
	}
	delete(m.live, memtableID)
	m.totalActiveCost -= info.Cost
	for i, id := range m.order {
		if id == memtableID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// SetFirstFileVersion advances memtableID's recorded first file version.
// Monotonic: a call with newVersion <= the current value is a no-op,
// matching set_safely_deleted_search_index's monotonicity contract.
func (m *Manager) SetFirstFileVersion(ctx context.Context, memtableID int64, newVersion uint64) error {
	m.mu.Lock()
	advanced := m.setFirstFileVersionLocked(memtableID, newVersion)
	m.mu.Unlock()

	if !advanced {
		return nil
	}
	return m.appendCheckpointEntry(ctx, &core.WalEntry{
		Kind:        core.EntryKindCheckpointAdvance,
		SearchIndex: core.NoSearchIndex,
		Checkpoint: &core.CheckpointBody{
			MemtableID:       memtableID,
			FirstFileVersion: newVersion,
		},
	})
}

func (m *Manager) setFirstFileVersionLocked(memtableID int64, newVersion uint64) bool {
	info, ok := m.live[memtableID]
	if !ok {
		m.logger.Warn("set first file version on unknown memtable", "memtable_id", memtableID)
		return false
	}
	if newVersion <= info.FirstFileVersion {
		return false
	}
	info.FirstFileVersion = newVersion
	return true
}

// OldestMemtable returns the least-recently-registered still-live memtable.
func (m *Manager) OldestMemtable() (MemTableInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return MemTableInfo{}, false
	}
	return *m.live[m.order[0]], true
}

// FirstValidVersion is the minimum FirstFileVersion across the live set.
// The boolean is false when the live set is empty (the sentinel case).
func (m *Manager) FirstValidVersion() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.live) == 0 {
		return 0, false
	}
	min := ^uint64(0)
	for _, info := range m.live {
		if info.FirstFileVersion < min {
			min = info.FirstFileVersion
		}
	}
	return min, true
}

// TotalActiveCost is the running sum of cost across the live set.
func (m *Manager) TotalActiveCost() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalActiveCost
}

// InfoOf returns the registered info for memtableID, if it is still live.
func (m *Manager) InfoOf(memtableID int64) (MemTableInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.live[memtableID]
	if !ok {
		return MemTableInfo{}, false
	}
	return *info, true
}

// LiveCount reports how many memtables are currently registered.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

func (m *Manager) appendCheckpointEntry(ctx context.Context, e *core.WalEntry) error {
	m.mu.RLock()
	replaying := m.replaying
	m.mu.RUnlock()
	if replaying || m.appender == nil {
		return nil
	}
	if err := m.appender.Append(ctx, e); err != nil {
		return fmt.Errorf("checkpoint: append %s entry: %w", e.Kind, err)
	}
	return nil
}
