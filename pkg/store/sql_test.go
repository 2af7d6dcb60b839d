package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestSQLLog(t *testing.T) *SQLLog {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := NewSQLLog(db, WithSQLDialect(DialectSQLite))
	if err := log.CreateTable(context.Background()); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return log
}

func TestSQLLog(t *testing.T) {
	ctx := context.Background()

	t.Run("append and load in createdAt order", func(t *testing.T) {
		log := newTestSQLLog(t)
		base := time.Now().UTC().Truncate(time.Microsecond)

		for _, i := range []int{1, 0, 2} {
			err := log.AppendRecord(ctx, UpdateRecord{
				ID:          string(rune('a' + i)),
				WorkspaceID: "ws1",
				Payload:     []byte{byte(i)},
				ByteSize:    1,
				UserID:      "alice",
				CreatedAt:   base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		recs, err := log.LoadRecords(ctx, "ws1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("expected 3 records, got %d", len(recs))
		}
		for i, rec := range recs {
			if rec.Payload[0] != byte(i) {
				t.Errorf("record %d out of order: %+v", i, rec)
			}
		}
		if !recs[0].CreatedAt.Equal(base) || recs[0].UserID != "alice" {
			t.Errorf("metadata lost: %+v", recs[0])
		}
	})

	t.Run("prune returns removed records", func(t *testing.T) {
		log := newTestSQLLog(t)
		cutoff := time.Now().UTC()

		_ = log.AppendRecord(ctx, UpdateRecord{
			ID: "old", WorkspaceID: "ws1", Payload: []byte("x"), ByteSize: 1,
			CreatedAt: cutoff.Add(-time.Hour),
		})
		_ = log.AppendRecord(ctx, UpdateRecord{
			ID: "new", WorkspaceID: "ws1", Payload: []byte("y"), ByteSize: 1,
			CreatedAt: cutoff.Add(time.Hour),
		})

		removed, err := log.PruneRecords(ctx, "ws1", cutoff)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if len(removed) != 1 || removed[0].ID != "old" {
			t.Errorf("unexpected removed set: %+v", removed)
		}

		count, _, _ := log.CountRecords(ctx, "ws1")
		if count != 1 {
			t.Errorf("expected 1 survivor, got %d", count)
		}
	})

	t.Run("empty prune is a no-op", func(t *testing.T) {
		log := newTestSQLLog(t)
		removed, err := log.PruneRecords(ctx, "ws1", time.Now().UTC())
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if removed != nil {
			t.Errorf("expected nil, got %+v", removed)
		}
	})

	t.Run("delete workspace leaves others intact", func(t *testing.T) {
		log := newTestSQLLog(t)
		now := time.Now().UTC()
		_ = log.AppendRecord(ctx, UpdateRecord{ID: "a", WorkspaceID: "ws1", Payload: []byte("x"), ByteSize: 1, CreatedAt: now})
		_ = log.AppendRecord(ctx, UpdateRecord{ID: "b", WorkspaceID: "ws2", Payload: []byte("y"), ByteSize: 1, CreatedAt: now})

		if err := log.DeleteWorkspace(ctx, "ws1"); err != nil {
			t.Fatalf("delete: %v", err)
		}

		c1, _, _ := log.CountRecords(ctx, "ws1")
		c2, _, _ := log.CountRecords(ctx, "ws2")
		if c1 != 0 || c2 != 1 {
			t.Errorf("expected 0/1, got %d/%d", c1, c2)
		}
	})

	t.Run("count sums payload bytes", func(t *testing.T) {
		log := newTestSQLLog(t)
		now := time.Now().UTC()
		_ = log.AppendRecord(ctx, UpdateRecord{ID: "a", WorkspaceID: "ws1", Payload: []byte("abc"), ByteSize: 3, CreatedAt: now})
		_ = log.AppendRecord(ctx, UpdateRecord{ID: "b", WorkspaceID: "ws1", Payload: []byte("de"), ByteSize: 2, CreatedAt: now})

		count, bytes, err := log.CountRecords(ctx, "ws1")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 2 || bytes != 5 {
			t.Errorf("expected 2/5, got %d/%d", count, bytes)
		}
	})
}

func TestSQLLogCloseConcurrentWithAppend(t *testing.T) {
	log := newTestSQLLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = log.AppendRecord(ctx, UpdateRecord{
				ID: strconv.Itoa(i), WorkspaceID: "ws1",
				Payload: []byte("x"), ByteSize: 1, CreatedAt: time.Now().UTC(),
			})
		}
	}()
	_ = log.Close()
	wg.Wait()

	if err := log.AppendRecord(ctx, UpdateRecord{ID: "late", WorkspaceID: "ws1"}); err != ErrLogClosed {
		t.Errorf("append after close = %v, want ErrLogClosed", err)
	}
}

func TestSQLDialectPlaceholders(t *testing.T) {
	pg := NewSQLLog(nil)
	if got := pg.placeholder(3); got != "$3" {
		t.Errorf("postgres placeholder: got %s", got)
	}

	lite := NewSQLLog(nil, WithSQLDialect(DialectSQLite))
	if got := lite.placeholder(3); got != "?" {
		t.Errorf("sqlite placeholder: got %s", got)
	}
}

func TestSQLTableNameOption(t *testing.T) {
	log := NewSQLLog(nil, WithSQLTableName("custom_updates"))
	if log.tableName != "custom_updates" {
		t.Errorf("table name option ignored: %s", log.tableName)
	}
	if !strings.Contains(log.tableName, "custom") {
		t.Errorf("unexpected table name %q", log.tableName)
	}
}
