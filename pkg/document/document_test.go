package document

import (
	"sync/atomic"
	"testing"
)

func TestEntries(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		d := New()
		if err := d.SetEntry("tasks", "t1", []byte(`{"id":"t1"}`)); err != nil {
			t.Fatalf("set entry: %v", err)
		}

		got, err := d.Entry("tasks", "t1")
		if err != nil {
			t.Fatalf("get entry: %v", err)
		}
		if string(got) != `{"id":"t1"}` {
			t.Errorf("unexpected entry: %s", got)
		}
	})

	t.Run("absent container yields empty map", func(t *testing.T) {
		d := New()
		entries, err := d.Entries("tasks")
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected empty, got %v", entries)
		}
	})

	t.Run("delete absent entry is a no-op", func(t *testing.T) {
		d := New()
		if err := d.DeleteEntry("tasks", "ghost"); err != nil {
			t.Errorf("delete on empty container: %v", err)
		}
	})

	t.Run("missing entry reported", func(t *testing.T) {
		d := New()
		if _, err := d.Entry("tasks", "ghost"); err == nil {
			t.Error("expected error for missing entry")
		}
	})
}

func TestUpdateExchange(t *testing.T) {
	t.Run("peer applies generated update", func(t *testing.T) {
		a := New()
		if err := a.SetActor("aa"); err != nil {
			t.Fatalf("set actor: %v", err)
		}
		b := New()
		if err := b.SetActor("bb"); err != nil {
			t.Fatalf("set actor: %v", err)
		}

		if err := a.SetEntry("tasks", "t1", []byte(`{"id":"t1"}`)); err != nil {
			t.Fatalf("set entry: %v", err)
		}
		payload, err := a.GenerateUpdate("add t1")
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if payload == nil {
			t.Fatal("expected a payload")
		}

		if err := b.ApplyUpdate(payload); err != nil {
			t.Fatalf("apply: %v", err)
		}
		got, err := b.Entry("tasks", "t1")
		if err != nil {
			t.Fatalf("peer entry: %v", err)
		}
		if string(got) != `{"id":"t1"}` {
			t.Errorf("peer saw %s", got)
		}
	})

	t.Run("no changes yields nil payload", func(t *testing.T) {
		d := New()
		payload, err := d.GenerateUpdate("nothing yet")
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if payload != nil {
			t.Errorf("expected nil payload, got %d bytes", len(payload))
		}
	})

	t.Run("duplicate apply is idempotent", func(t *testing.T) {
		a := New()
		_ = a.SetActor("aa")
		b := New()
		_ = b.SetActor("bb")

		_ = a.SetEntry("tasks", "t1", []byte(`{"id":"t1"}`))
		payload, _ := a.GenerateUpdate("add")
		if err := b.ApplyUpdate(payload); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		if err := b.ApplyUpdate(payload); err != nil {
			t.Fatalf("second apply: %v", err)
		}
		entries, _ := b.Entries("tasks")
		if len(entries) != 1 {
			t.Errorf("expected one entry, got %d", len(entries))
		}
	})
}

func TestObserve(t *testing.T) {
	t.Run("fires on remote apply", func(t *testing.T) {
		a := New()
		_ = a.SetActor("aa")
		b := New()
		_ = b.SetActor("bb")

		var fired atomic.Int32
		unsub := b.Observe(func() { fired.Add(1) })
		defer unsub()

		_ = a.SetEntry("tasks", "t1", []byte(`{}`))
		payload, _ := a.GenerateUpdate("add")
		if err := b.ApplyUpdate(payload); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if fired.Load() != 1 {
			t.Errorf("expected one notification, got %d", fired.Load())
		}
	})

	t.Run("unsubscribe stops notifications", func(t *testing.T) {
		a := New()
		_ = a.SetActor("aa")
		b := New()
		_ = b.SetActor("bb")

		var fired atomic.Int32
		unsub := b.Observe(func() { fired.Add(1) })
		unsub()

		_ = a.SetEntry("tasks", "t1", []byte(`{}`))
		payload, _ := a.GenerateUpdate("add")
		_ = b.ApplyUpdate(payload)
		if fired.Load() != 0 {
			t.Errorf("expected no notifications, got %d", fired.Load())
		}
	})
}

func TestSnapshot(t *testing.T) {
	d := New()
	_ = d.SetActor("aa")
	_ = d.SetEntry("tasks", "t1", []byte(`{"id":"t1"}`))
	if _, err := d.GenerateUpdate("add"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	restored, err := Load(d.Save())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	got, err := restored.Entry("tasks", "t1")
	if err != nil {
		t.Fatalf("restored entry: %v", err)
	}
	if string(got) != `{"id":"t1"}` {
		t.Errorf("restored saw %s", got)
	}
}
