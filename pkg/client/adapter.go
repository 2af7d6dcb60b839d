package client

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loomsync/loomsync/pkg/document"
	"github.com/loomsync/loomsync/pkg/merge"
)

// LocalState is the application's local cache of entities for the
// active workspace. Implementations are typically a UI store or an
// embedded database table.
type LocalState interface {
	// List returns every entity currently held locally.
	List() ([]merge.Entity, error)

	// Replace swaps the full local collection.
	Replace(entities []merge.Entity) error

	// Put inserts or updates one entity.
	Put(entity merge.Entity) error

	// Delete removes one entity. Deleting an absent id is a no-op.
	Delete(id string) error
}

// Sender is the outbound half of the transport. *Transport satisfies
// it; tests substitute a fake.
type Sender interface {
	Send(payload []byte) error
	Connected() bool
}

// AdapterConfig holds configuration for the synchronization adapter.
type AdapterConfig struct {
	// Container is the shared document container holding entities.
	// Default: "entities".
	Container string

	// SettleDelay is how long to wait after connecting before running
	// hydration, giving the relay's history replay time to land.
	// Default: 350ms.
	SettleDelay time.Duration
}

// DefaultAdapterConfig returns an AdapterConfig with sensible
// defaults.
func DefaultAdapterConfig() *AdapterConfig {
	return &AdapterConfig{
		Container:   "entities",
		SettleDelay: 350 * time.Millisecond,
	}
}

// Clone returns a copy of the AdapterConfig.
func (c *AdapterConfig) Clone() *AdapterConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Adapter keeps one workspace's local entity state and its shared
// replicated document in sync. All state is owned by a single event
// loop goroutine; public methods post work onto it, so no additional
// locking is needed around the document or the materialized view.
//
// Lifecycle: Start, then feed transport events via HandleConnected /
// HandleDisconnected / HandleRemoteUpdate (Attach wires these to a
// Transport), push local edits via PutEntity / DeleteEntity, and end
// with Teardown. Switching workspaces means Teardown plus a fresh
// adapter; pending operations never cross that boundary.
type Adapter struct {
	workspaceID string
	conn        Sender
	local       LocalState
	config      *AdapterConfig
	logger      *slog.Logger

	doc      *document.Doc
	entities map[string]merge.Entity // last materialized remote view
	pending  *Queue
	outbox   [][]byte // generated updates not yet acknowledged by Send

	connected bool
	hydrated  bool
	settling  bool

	ops    chan func()
	done   chan struct{}
	closed atomic.Bool
}

// NewAdapter creates an adapter for one workspace. Nil config fields
// are filled with defaults.
func NewAdapter(workspaceID string, conn Sender, local LocalState, config *AdapterConfig, logger *slog.Logger) *Adapter {
	if config == nil {
		config = DefaultAdapterConfig()
	} else {
		config = config.Clone()
	}
	if config.Container == "" {
		config.Container = "entities"
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = 350 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		workspaceID: workspaceID,
		conn:        conn,
		local:       local,
		config:      config,
		logger:      logger.With("component", "adapter", "workspace_id", workspaceID),
		doc:         document.New(),
		entities:    make(map[string]merge.Entity),
		pending:     NewQueue(),
		ops:         make(chan func(), 64),
		done:        make(chan struct{}),
	}
}

// Start launches the event loop.
func (a *Adapter) Start() {
	go a.run()
}

// Attach wires a Transport's callbacks to this adapter and starts it.
func (a *Adapter) Attach(t *Transport) {
	t.OnMessage(a.HandleRemoteUpdate)
	t.OnStateChange(func(state State, err error) {
		switch state {
		case StateConnected:
			a.HandleConnected()
		case StateDisconnected, StateStopped:
			a.HandleDisconnected(err)
		}
	})
	t.Start()
}

// Teardown stops the event loop and discards all pending operations.
// Safe to call more than once.
func (a *Adapter) Teardown() {
	if a.closed.Swap(true) {
		return
	}
	close(a.done)
	a.pending.Clear()
}

// Pending returns the number of buffered operations. Useful for
// surfacing "unsaved changes" in a UI.
func (a *Adapter) Pending() int {
	return a.pending.Len()
}

// Unsent returns the number of generated updates still awaiting a
// successful transmission.
func (a *Adapter) Unsent() int {
	n := 0
	_ = a.do(func() error {
		n = len(a.outbox)
		return nil
	})
	return n
}

// PutEntity pushes a local insert or update. While disconnected the
// operation is buffered and flushed in order on reconnect.
func (a *Adapter) PutEntity(entity merge.Entity) error {
	payload, err := merge.EncodeEntity(entity)
	if err != nil {
		return err
	}
	return a.do(func() error {
		return a.applyLocal(PendingOperation{EntityID: entity.ID, Payload: payload})
	})
}

// DeleteEntity pushes a local delete.
func (a *Adapter) DeleteEntity(id string) error {
	return a.do(func() error {
		return a.applyLocal(PendingOperation{EntityID: id, Delete: true})
	})
}

// HandleRemoteUpdate applies one relayed payload to the shared
// document and folds the result into local state. Updates arriving
// before hydration (history replay) only accumulate in the document;
// hydration reconciles them in one pass.
func (a *Adapter) HandleRemoteUpdate(payload []byte) {
	a.post(func() {
		if err := a.doc.ApplyUpdate(payload); err != nil {
			// One bad payload must not wedge the stream.
			a.logger.Warn("dropping malformed update", "error", err)
			return
		}
		if a.hydrated {
			a.materialize()
		}
	})
}

// Hydrated reports whether the initial reconciliation has completed.
func (a *Adapter) Hydrated() bool {
	hydrated := false
	_ = a.do(func() error {
		hydrated = a.hydrated
		return nil
	})
	return hydrated
}

// HandleConnected marks the transport live. The first connection
// schedules hydration after the settle delay; later reconnects flush
// the pending queue.
func (a *Adapter) HandleConnected() {
	a.post(func() {
		a.connected = true
		if a.hydrated {
			a.flushPending()
			return
		}
		if a.settling {
			return
		}
		a.settling = true
		time.AfterFunc(a.config.SettleDelay, func() {
			a.post(a.hydrate)
		})
	})
}

// HandleDisconnected marks the transport down. Subsequent local edits
// buffer until reconnect.
func (a *Adapter) HandleDisconnected(err error) {
	a.post(func() {
		a.connected = false
		if err != nil {
			a.logger.Debug("transport down", "error", err)
		}
	})
}

// run executes posted work until Teardown.
func (a *Adapter) run() {
	for {
		select {
		case fn := <-a.ops:
			fn()
		case <-a.done:
			return
		}
	}
}

// post enqueues work on the event loop, dropping it if the adapter is
// torn down.
func (a *Adapter) post(fn func()) {
	select {
	case a.ops <- fn:
	case <-a.done:
	}
}

// do runs fn on the event loop and waits for its result.
func (a *Adapter) do(fn func() error) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	res := make(chan error, 1)
	select {
	case a.ops <- func() { res <- fn() }:
	case <-a.done:
		return ErrAdapterClosed
	}
	select {
	case err := <-res:
		return err
	case <-a.done:
		return ErrAdapterClosed
	}
}

// applyLocal handles one local edit on the event loop.
func (a *Adapter) applyLocal(op PendingOperation) error {
	if !a.connected || !a.hydrated {
		a.pending.Push(op)
		return nil
	}
	a.applyOp(op)
	return a.push()
}

// applyOp writes one operation into the shared document and the
// materialized view.
func (a *Adapter) applyOp(op PendingOperation) {
	if op.Delete {
		if err := a.doc.DeleteEntry(a.config.Container, op.EntityID); err != nil {
			a.logger.Warn("delete failed", "entity_id", op.EntityID, "error", err)
			return
		}
		delete(a.entities, op.EntityID)
		return
	}
	if err := a.doc.SetEntry(a.config.Container, op.EntityID, op.Payload); err != nil {
		a.logger.Warn("set failed", "entity_id", op.EntityID, "error", err)
		return
	}
	if entity, err := merge.DecodeEntity(op.Payload); err == nil {
		a.entities[entity.ID] = entity
	}
}

// push commits the document's accumulated local changes into the
// outbox and transmits whatever is queued. Each generated update
// depends on the ones before it, so a payload whose send failed must
// go out verbatim before anything newer.
func (a *Adapter) push() error {
	payload, err := a.doc.GenerateUpdate("local edits")
	if err != nil {
		return err
	}
	if payload != nil {
		a.outbox = append(a.outbox, payload)
	}
	a.flushOutbox()
	return nil
}

// flushOutbox sends queued updates in order, stopping at the first
// failure. Unsent payloads stay queued for retransmission.
func (a *Adapter) flushOutbox() bool {
	for len(a.outbox) > 0 {
		if err := a.conn.Send(a.outbox[0]); err != nil {
			a.logger.Warn("send failed, update kept for retransmission",
				"queued", len(a.outbox), "error", err)
			return false
		}
		a.outbox = a.outbox[1:]
	}
	return true
}

// flushPending retransmits any unsent updates, then drains the queue
// in FIFO order and sends the combined update.
func (a *Adapter) flushPending() {
	if !a.flushOutbox() {
		return
	}
	ops := a.pending.Drain()
	if len(ops) == 0 {
		return
	}
	for _, op := range ops {
		a.applyOp(op)
	}
	if err := a.push(); err != nil {
		a.logger.Warn("flush failed", "ops", len(ops), "error", err)
		return
	}
	a.logger.Info("pending operations flushed", "ops", len(ops))
}

// hydrate reconciles local state with whatever history replay
// produced. Runs once, after the settle delay.
//
// Decision table:
//   - neither side has entities: nothing to do
//   - remote only: local adopts the remote collection
//   - local only: every local entity is pushed to the document
//   - both: local-only entities are pushed, then local is set to the
//     merged union, so neither side's entities are lost
func (a *Adapter) hydrate() {
	a.settling = false
	if a.hydrated || a.closed.Load() {
		return
	}
	if !a.connected {
		// Dropped during the settle window; the next connect
		// reschedules hydration.
		return
	}

	remote := a.decodeRemote()
	for _, entity := range remote {
		a.entities[entity.ID] = entity
	}
	local, err := a.local.List()
	if err != nil {
		a.logger.Error("hydration aborted, local state unreadable", "error", err)
		return
	}

	switch {
	case len(local) == 0 && len(remote) == 0:
		// Nothing on either side.

	case len(local) == 0:
		if err := a.local.Replace(remote); err != nil {
			a.logger.Error("hydration failed writing local state", "error", err)
			return
		}

	case len(remote) == 0:
		for _, entity := range local {
			a.pushEntity(entity)
		}
		if err := a.push(); err != nil {
			a.logger.Warn("hydration push failed", "error", err)
		}

	default:
		remoteIDs := make(map[string]bool, len(remote))
		for _, entity := range remote {
			remoteIDs[entity.ID] = true
		}
		for _, entity := range local {
			if !remoteIDs[entity.ID] {
				a.pushEntity(entity)
			}
		}
		if err := a.push(); err != nil {
			a.logger.Warn("hydration push failed", "error", err)
		}
		union := merge.Collections(local, remote)
		for _, entity := range union {
			a.entities[entity.ID] = entity
		}
		if err := a.local.Replace(union); err != nil {
			a.logger.Error("hydration failed writing local state", "error", err)
			return
		}
	}

	a.hydrated = true
	a.logger.Info("hydrated", "local", len(local), "remote", len(remote))
	a.flushPending()
}

// pushEntity writes one entity into the shared document and the
// materialized view.
func (a *Adapter) pushEntity(entity merge.Entity) {
	payload, err := merge.EncodeEntity(entity)
	if err != nil {
		a.logger.Warn("skipping unencodable entity", "entity_id", entity.ID, "error", err)
		return
	}
	a.applyOp(PendingOperation{EntityID: entity.ID, Payload: payload})
}

// decodeRemote materializes the document's container into entities,
// skipping malformed entries.
func (a *Adapter) decodeRemote() []merge.Entity {
	entries, err := a.doc.Entries(a.config.Container)
	if err != nil {
		a.logger.Warn("container unreadable", "error", err)
		return nil
	}
	out := make([]merge.Entity, 0, len(entries))
	for id, raw := range entries {
		entity, err := merge.DecodeEntity(raw)
		if err != nil {
			a.logger.Warn("skipping malformed record", "entity_id", id, "error", err)
			continue
		}
		out = append(out, entity)
	}
	return out
}

// materialize folds the document's current container state into local
// state after a remote update. Each decoded entity is merged against
// the last materialized value; one malformed record is skipped, not
// fatal.
func (a *Adapter) materialize() {
	entries, err := a.doc.Entries(a.config.Container)
	if err != nil {
		a.logger.Warn("container unreadable", "error", err)
		return
	}

	seen := make(map[string]bool, len(entries))
	for id, raw := range entries {
		seen[id] = true
		incoming, err := merge.DecodeEntity(raw)
		if err != nil {
			a.logger.Warn("skipping malformed record", "entity_id", id, "error", err)
			continue
		}
		merged := incoming
		if existing, ok := a.entities[id]; ok {
			merged = merge.Entities(existing, incoming)
		}
		a.entities[id] = merged
		if err := a.local.Put(merged); err != nil {
			a.logger.Warn("local write failed", "entity_id", id, "error", err)
		}
	}

	// Entries removed remotely disappear locally too.
	for id := range a.entities {
		if !seen[id] {
			delete(a.entities, id)
			if err := a.local.Delete(id); err != nil {
				a.logger.Warn("local delete failed", "entity_id", id, "error", err)
			}
		}
	}
}
