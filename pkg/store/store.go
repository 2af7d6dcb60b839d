package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomsync/loomsync/pkg/middleware"
)

// Archiver receives pruned records before they are deleted from the
// durable log. S3Archiver is the production implementation.
type Archiver interface {
	Archive(ctx context.Context, workspaceID string, records []UpdateRecord) error
}

// Store is the hybrid update store: an in-memory ordered payload cache
// per workspace backed by a durable append-only Log. Appends are
// visible to readers immediately; the durable write happens on a
// background goroutine so the inbound message path never blocks on
// storage. A durable-write failure degrades durability only, never
// live relay correctness.
type Store struct {
	log            Log
	archiver       Archiver
	logger         *slog.Logger
	persistTimeout time.Duration

	mu    sync.RWMutex
	cache map[string]*workspaceCache
	loads map[string]chan struct{} // in-flight durable fills

	persistCh chan UpdateRecord
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool

	persistFailures atomic.Int64
	persistDrops    atomic.Int64
}

type workspaceCache struct {
	payloads [][]byte
	bytes    int64
	filled   bool            // durable history has been loaded in
	appended map[string]bool // record ids appended before the fill
}

// Stats describes one workspace's footprint in the store.
type Stats struct {
	CachedRecords  int
	CachedBytes    int64
	DurableRecords int64
	DurableBytes   int64
}

// Option configures Store behavior.
type Option func(*storeConfig)

type storeConfig struct {
	archiver         Archiver
	logger           *slog.Logger
	persistQueueSize int
	persistTimeout   time.Duration
}

// WithArchiver routes pruned records to an archive sink before they
// are deleted from the durable log.
func WithArchiver(a Archiver) Option {
	return func(c *storeConfig) {
		c.archiver = a
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = l
	}
}

// WithPersistQueueSize bounds the asynchronous durable-write queue.
// When full, the durable write for a record is dropped with an error
// log; the in-memory cache and live broadcast are unaffected.
// Default: 1024.
func WithPersistQueueSize(n int) Option {
	return func(c *storeConfig) {
		c.persistQueueSize = n
	}
}

// WithPersistTimeout bounds each durable write. Default: 10 seconds.
func WithPersistTimeout(d time.Duration) Option {
	return func(c *storeConfig) {
		c.persistTimeout = d
	}
}

// New creates a Store over the given durable log and starts the
// persistence goroutine.
func New(log Log, opts ...Option) *Store {
	cfg := &storeConfig{
		logger:           slog.Default(),
		persistQueueSize: 1024,
		persistTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Store{
		log:            log,
		archiver:       cfg.archiver,
		logger:         cfg.logger.With("component", "store"),
		persistTimeout: cfg.persistTimeout,
		cache:          make(map[string]*workspaceCache),
		loads:          make(map[string]chan struct{}),
		persistCh:      make(chan UpdateRecord, cfg.persistQueueSize),
		done:           make(chan struct{}),
	}

	s.wg.Add(1)
	go s.persistLoop()
	return s
}

// GetOrLoad returns the workspace's ordered payload list. The first
// access loads durable history synchronously; the load is
// single-flighted per workspace, and payloads appended while it is in
// flight land after the loaded records so replay order holds. If the
// load fails the workspace starts from an empty state rather than
// failing the caller.
func (s *Store) GetOrLoad(ctx context.Context, workspaceID string) [][]byte {
	for {
		s.mu.RLock()
		if wc, ok := s.cache[workspaceID]; ok && wc.filled {
			out := copyPayloads(wc.payloads)
			s.mu.RUnlock()
			return out
		}
		s.mu.RUnlock()

		s.mu.Lock()
		if wc, ok := s.cache[workspaceID]; ok && wc.filled {
			out := copyPayloads(wc.payloads)
			s.mu.Unlock()
			return out
		}
		if inflight, ok := s.loads[workspaceID]; ok {
			s.mu.Unlock()
			<-inflight
			continue
		}
		loading := make(chan struct{})
		s.loads[workspaceID] = loading
		s.mu.Unlock()

		var payloads [][]byte
		var loadedBytes int64
		records, err := s.log.LoadRecords(ctx, workspaceID)
		if err != nil {
			s.logger.Error("durable load failed, starting from empty state",
				"workspace_id", workspaceID, "error", err)
		}

		s.mu.Lock()
		wc, ok := s.cache[workspaceID]
		if !ok {
			wc = &workspaceCache{}
			s.cache[workspaceID] = wc
		}
		for _, rec := range records {
			// An append that raced the load may have been persisted
			// already; its payload is in the cache, not the history.
			if wc.appended[rec.ID] {
				continue
			}
			payloads = append(payloads, rec.Payload)
			loadedBytes += rec.ByteSize
		}
		// Appends that raced the load stay behind the durable history.
		wc.payloads = append(payloads, wc.payloads...)
		wc.bytes += loadedBytes
		wc.appended = nil
		wc.filled = true
		delete(s.loads, workspaceID)
		close(loading)
		out := copyPayloads(wc.payloads)
		s.mu.Unlock()
		return out
	}
}

func copyPayloads(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	copy(out, in)
	return out
}

// Append adds one payload to the workspace history. The in-memory
// append is synchronous so immediately-subsequent reads see it; the
// durable write is queued fire-and-forget.
func (s *Store) Append(ctx context.Context, workspaceID string, payload []byte, userID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	rec := UpdateRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Payload:     payload,
		ByteSize:    int64(len(payload)),
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	wc, ok := s.cache[workspaceID]
	if !ok {
		wc = &workspaceCache{}
		s.cache[workspaceID] = wc
	}
	wc.payloads = append(wc.payloads, payload)
	wc.bytes += rec.ByteSize
	if !wc.filled {
		if wc.appended == nil {
			wc.appended = make(map[string]bool)
		}
		wc.appended[rec.ID] = true
	}
	s.mu.Unlock()

	select {
	case s.persistCh <- rec:
	default:
		s.persistDrops.Add(1)
		s.logger.Error("persist queue full, durable write dropped",
			"workspace_id", workspaceID, "record_id", rec.ID)
	}
	return nil
}

// Prune deletes durable records older than the retention period and
// returns how many were removed. The in-memory cache is not mutated.
// With an archiver configured, records are archived before deletion;
// an archive failure aborts the prune.
func (s *Store) Prune(ctx context.Context, workspaceID string, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)

	if s.archiver != nil {
		records, err := s.log.LoadRecords(ctx, workspaceID)
		if err != nil {
			return 0, err
		}
		var old []UpdateRecord
		for _, rec := range records {
			if rec.CreatedAt.Before(cutoff) {
				old = append(old, rec)
			}
		}
		if len(old) == 0 {
			return 0, nil
		}
		if err := s.archiver.Archive(ctx, workspaceID, old); err != nil {
			return 0, err
		}
	}

	removed, err := s.log.PruneRecords(ctx, workspaceID, cutoff)
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		s.logger.Info("pruned durable history",
			"workspace_id", workspaceID, "removed", len(removed), "cutoff", cutoff)
	}
	return len(removed), nil
}

// EvictCache drops a workspace's in-memory state, forcing a durable
// reload on next access.
func (s *Store) EvictCache(workspaceID string) {
	s.mu.Lock()
	delete(s.cache, workspaceID)
	s.mu.Unlock()
}

// DeleteAll removes a workspace's durable history and evicts its cache.
func (s *Store) DeleteAll(ctx context.Context, workspaceID string) error {
	if err := s.log.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	s.EvictCache(workspaceID)
	return nil
}

// Stats reports the in-memory and durable footprint of a workspace.
// A durable count failure is reported as zero durable records with a
// log entry, mirroring the empty-state fallback of GetOrLoad.
func (s *Store) Stats(ctx context.Context, workspaceID string) Stats {
	var st Stats
	s.mu.RLock()
	if wc, ok := s.cache[workspaceID]; ok {
		st.CachedRecords = len(wc.payloads)
		st.CachedBytes = wc.bytes
	}
	s.mu.RUnlock()

	count, bytes, err := s.log.CountRecords(ctx, workspaceID)
	if err != nil {
		s.logger.Error("durable count failed", "workspace_id", workspaceID, "error", err)
		return st
	}
	st.DurableRecords = count
	st.DurableBytes = bytes
	return st
}

// PersistFailures returns how many durable writes have failed since
// startup. Exposed for metrics and tests.
func (s *Store) PersistFailures() int64 {
	return s.persistFailures.Load()
}

// PersistDrops returns how many durable writes were dropped because
// the persist queue was full.
func (s *Store) PersistDrops() int64 {
	return s.persistDrops.Load()
}

// Close stops accepting appends, drains queued durable writes, and
// closes the underlying log.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	return s.log.Close()
}

func (s *Store) persistLoop() {
	defer s.wg.Done()

	for {
		select {
		case rec := <-s.persistCh:
			s.persist(rec)
		case <-s.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case rec := <-s.persistCh:
					s.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) persist(rec UpdateRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	if err := s.log.AppendRecord(ctx, rec); err != nil {
		s.persistFailures.Add(1)
		middleware.RecordPersistFailure()
		s.logger.Error("durable write failed",
			"workspace_id", rec.WorkspaceID, "record_id", rec.ID, "error", err)
	}
}
