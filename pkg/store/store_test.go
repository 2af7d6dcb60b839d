package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// failingLog fails every durable operation. Used to prove that live
// behavior survives a total persistence outage.
type failingLog struct{}

var errLogDown = errors.New("log down")

func (failingLog) AppendRecord(context.Context, UpdateRecord) error { return errLogDown }
func (failingLog) LoadRecords(context.Context, string) ([]UpdateRecord, error) {
	return nil, errLogDown
}
func (failingLog) PruneRecords(context.Context, string, time.Time) ([]UpdateRecord, error) {
	return nil, errLogDown
}
func (failingLog) DeleteWorkspace(context.Context, string) error { return errLogDown }
func (failingLog) CountRecords(context.Context, string) (int64, int64, error) {
	return 0, 0, errLogDown
}
func (failingLog) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func TestAppend(t *testing.T) {
	t.Run("immediately visible to readers", func(t *testing.T) {
		s := New(NewMemoryLog())
		defer s.Close()

		if err := s.Append(context.Background(), "ws1", []byte("u1"), "alice"); err != nil {
			t.Fatalf("append: %v", err)
		}

		got := s.GetOrLoad(context.Background(), "ws1")
		if len(got) != 1 || string(got[0]) != "u1" {
			t.Errorf("append not visible, got %v", got)
		}
	})

	t.Run("persists durably in background", func(t *testing.T) {
		log := NewMemoryLog()
		s := New(log)
		defer s.Close()

		_ = s.Append(context.Background(), "ws1", []byte("u1"), "alice")

		waitFor(t, func() bool {
			count, _, _ := log.CountRecords(context.Background(), "ws1")
			return count == 1
		}, "durable record written")

		recs, err := log.LoadRecords(context.Background(), "ws1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if recs[0].UserID != "alice" || recs[0].ByteSize != 2 {
			t.Errorf("unexpected durable record: %+v", recs[0])
		}
	})

	t.Run("rejected after close", func(t *testing.T) {
		s := New(NewMemoryLog())
		s.Close()

		if err := s.Append(context.Background(), "ws1", []byte("u1"), ""); !errors.Is(err, ErrStoreClosed) {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
	})
}

func TestPersistenceIndependence(t *testing.T) {
	// Durable writes fail 100% of the time; the cache must keep
	// serving appends as if nothing happened.
	s := New(failingLog{})
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.Append(context.Background(), "ws1", []byte{byte(i)}, "alice"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got := s.GetOrLoad(context.Background(), "ws1")
	if len(got) != 5 {
		t.Fatalf("expected 5 cached payloads, got %d", len(got))
	}

	waitFor(t, func() bool { return s.PersistFailures() == 5 }, "failures counted")
}

func TestGetOrLoad(t *testing.T) {
	t.Run("loads durable history on miss", func(t *testing.T) {
		log := NewMemoryLog()
		base := time.Now().UTC()
		for i, p := range []string{"a", "b", "c"} {
			_ = log.AppendRecord(context.Background(), UpdateRecord{
				ID: p, WorkspaceID: "ws1", Payload: []byte(p),
				ByteSize: 1, CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			})
		}

		s := New(log)
		defer s.Close()

		got := s.GetOrLoad(context.Background(), "ws1")
		if len(got) != 3 || string(got[0]) != "a" || string(got[2]) != "c" {
			t.Errorf("unexpected replay order: %v", got)
		}
	})

	t.Run("load failure falls back to empty state", func(t *testing.T) {
		s := New(failingLog{})
		defer s.Close()

		got := s.GetOrLoad(context.Background(), "ws1")
		if len(got) != 0 {
			t.Errorf("expected empty state, got %v", got)
		}

		// The workspace stays usable afterwards.
		_ = s.Append(context.Background(), "ws1", []byte("u1"), "")
		if got := s.GetOrLoad(context.Background(), "ws1"); len(got) != 1 {
			t.Errorf("expected append after fallback, got %v", got)
		}
	})
}

// slowLoadLog blocks LoadRecords until released so a concurrent append
// can land mid-fill.
type slowLoadLog struct {
	*MemoryLog
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *slowLoadLog) LoadRecords(ctx context.Context, workspaceID string) ([]UpdateRecord, error) {
	l.once.Do(func() { close(l.entered) })
	<-l.release
	return l.MemoryLog.LoadRecords(ctx, workspaceID)
}

func TestGetOrLoadConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryLog()
	_ = mem.AppendRecord(ctx, UpdateRecord{
		ID: "h", WorkspaceID: "ws1", Payload: []byte("history"), ByteSize: 7,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})
	log := &slowLoadLog{
		MemoryLog: mem,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}

	s := New(log)
	defer s.Close()

	loaded := make(chan [][]byte, 1)
	go func() { loaded <- s.GetOrLoad(ctx, "ws1") }()

	// The append lands while the durable load is in flight.
	<-log.entered
	if err := s.Append(ctx, "ws1", []byte("live"), "alice"); err != nil {
		t.Fatalf("append: %v", err)
	}
	close(log.release)

	want := []string{"history", "live"}
	for name, got := range map[string][][]byte{
		"loader result": <-loaded,
		"cached view":   s.GetOrLoad(ctx, "ws1"),
	} {
		if len(got) != len(want) {
			t.Fatalf("%s has %d payloads, want %d", name, len(got), len(want))
		}
		for i := range want {
			if string(got[i]) != want[i] {
				t.Errorf("%s[%d] = %q, want %q", name, i, got[i], want[i])
			}
		}
	}
}

func TestGetOrLoadAfterColdAppend(t *testing.T) {
	// An append on a workspace that was never read must not suppress
	// the durable fill on the first read.
	ctx := context.Background()
	log := NewMemoryLog()
	_ = log.AppendRecord(ctx, UpdateRecord{
		ID: "h", WorkspaceID: "ws1", Payload: []byte("history"), ByteSize: 7,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})

	s := New(log)
	defer s.Close()

	if err := s.Append(ctx, "ws1", []byte("live"), "alice"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := s.GetOrLoad(ctx, "ws1")
	if len(got) != 2 || string(got[0]) != "history" || string(got[1]) != "live" {
		t.Fatalf("unexpected payloads: %q", got)
	}

	// The appended record was persisted in the meantime; a reload must
	// not duplicate it.
	waitFor(t, func() bool {
		count, _, _ := log.CountRecords(ctx, "ws1")
		return count == 2
	}, "durable write")
	s.EvictCache("ws1")
	if got := s.GetOrLoad(ctx, "ws1"); len(got) != 2 {
		t.Errorf("reload has %d payloads, want 2", len(got))
	}
}

func TestEvictCache(t *testing.T) {
	log := NewMemoryLog()
	s := New(log)
	defer s.Close()

	_ = s.Append(context.Background(), "ws1", []byte("u1"), "")
	waitFor(t, func() bool {
		count, _, _ := log.CountRecords(context.Background(), "ws1")
		return count == 1
	}, "durable write")

	s.EvictCache("ws1")

	// Reload comes from the durable log.
	got := s.GetOrLoad(context.Background(), "ws1")
	if len(got) != 1 || string(got[0]) != "u1" {
		t.Errorf("expected reload from durable log, got %v", got)
	}
}

func TestPrune(t *testing.T) {
	t.Run("removes old records and reports count", func(t *testing.T) {
		log := NewMemoryLog()
		old := time.Now().UTC().Add(-48 * time.Hour)
		_ = log.AppendRecord(context.Background(), UpdateRecord{
			ID: "old", WorkspaceID: "ws1", Payload: []byte("x"), ByteSize: 1, CreatedAt: old,
		})
		_ = log.AppendRecord(context.Background(), UpdateRecord{
			ID: "new", WorkspaceID: "ws1", Payload: []byte("y"), ByteSize: 1, CreatedAt: time.Now().UTC(),
		})

		s := New(log)
		defer s.Close()

		removed, err := s.Prune(context.Background(), "ws1", 24*time.Hour)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 removed, got %d", removed)
		}

		count, _, _ := log.CountRecords(context.Background(), "ws1")
		if count != 1 {
			t.Errorf("expected 1 durable record left, got %d", count)
		}
	})

	t.Run("does not mutate the cache", func(t *testing.T) {
		log := NewMemoryLog()
		_ = log.AppendRecord(context.Background(), UpdateRecord{
			ID: "old", WorkspaceID: "ws1", Payload: []byte("x"), ByteSize: 1,
			CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		})

		s := New(log)
		defer s.Close()

		before := s.GetOrLoad(context.Background(), "ws1")
		if _, err := s.Prune(context.Background(), "ws1", 24*time.Hour); err != nil {
			t.Fatalf("prune: %v", err)
		}
		after := s.GetOrLoad(context.Background(), "ws1")
		if len(after) != len(before) {
			t.Errorf("cache changed by prune: before %d after %d", len(before), len(after))
		}
	})
}

// recordingArchiver captures archived batches.
type recordingArchiver struct {
	batches [][]UpdateRecord
	fail    bool
}

func (a *recordingArchiver) Archive(ctx context.Context, ws string, recs []UpdateRecord) error {
	if a.fail {
		return errors.New("archive unavailable")
	}
	a.batches = append(a.batches, recs)
	return nil
}

func TestPruneArchiving(t *testing.T) {
	t.Run("archives before deleting", func(t *testing.T) {
		log := NewMemoryLog()
		_ = log.AppendRecord(context.Background(), UpdateRecord{
			ID: "old", WorkspaceID: "ws1", Payload: []byte("x"), ByteSize: 1,
			CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		})

		arch := &recordingArchiver{}
		s := New(log, WithArchiver(arch))
		defer s.Close()

		removed, err := s.Prune(context.Background(), "ws1", 24*time.Hour)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if removed != 1 || len(arch.batches) != 1 || arch.batches[0][0].ID != "old" {
			t.Errorf("expected archived batch, removed=%d batches=%v", removed, arch.batches)
		}
	})

	t.Run("archive failure aborts the prune", func(t *testing.T) {
		log := NewMemoryLog()
		_ = log.AppendRecord(context.Background(), UpdateRecord{
			ID: "old", WorkspaceID: "ws1", Payload: []byte("x"), ByteSize: 1,
			CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		})

		s := New(log, WithArchiver(&recordingArchiver{fail: true}))
		defer s.Close()

		if _, err := s.Prune(context.Background(), "ws1", 24*time.Hour); err == nil {
			t.Fatal("expected prune to fail")
		}
		count, _, _ := log.CountRecords(context.Background(), "ws1")
		if count != 1 {
			t.Errorf("records must survive a failed archive, got %d", count)
		}
	})
}

func TestStats(t *testing.T) {
	log := NewMemoryLog()
	s := New(log)
	defer s.Close()

	_ = s.Append(context.Background(), "ws1", []byte("abcd"), "alice")
	waitFor(t, func() bool {
		count, _, _ := log.CountRecords(context.Background(), "ws1")
		return count == 1
	}, "durable write")

	st := s.Stats(context.Background(), "ws1")
	if st.CachedRecords != 1 || st.CachedBytes != 4 {
		t.Errorf("unexpected cache stats: %+v", st)
	}
	if st.DurableRecords != 1 || st.DurableBytes != 4 {
		t.Errorf("unexpected durable stats: %+v", st)
	}
}

func TestDeleteAll(t *testing.T) {
	log := NewMemoryLog()
	s := New(log)
	defer s.Close()

	_ = s.Append(context.Background(), "ws1", []byte("u1"), "")
	waitFor(t, func() bool {
		count, _, _ := log.CountRecords(context.Background(), "ws1")
		return count == 1
	}, "durable write")

	if err := s.DeleteAll(context.Background(), "ws1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	if got := s.GetOrLoad(context.Background(), "ws1"); len(got) != 0 {
		t.Errorf("expected empty workspace, got %v", got)
	}
	count, _, _ := log.CountRecords(context.Background(), "ws1")
	if count != 0 {
		t.Errorf("expected empty durable history, got %d", count)
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	s := New(NewMemoryLog())
	defer s.Close()

	_ = s.Append(context.Background(), "ws1", []byte("one"), "")
	_ = s.Append(context.Background(), "ws2", []byte("two"), "")

	if got := s.GetOrLoad(context.Background(), "ws1"); len(got) != 1 || string(got[0]) != "one" {
		t.Errorf("ws1 polluted: %v", got)
	}
	if got := s.GetOrLoad(context.Background(), "ws2"); len(got) != 1 || string(got[0]) != "two" {
		t.Errorf("ws2 polluted: %v", got)
	}
}
