// Package document wraps the shared replicated document primitive.
// The underlying automerge document guarantees commutative, idempotent
// update application; this package adds the container conventions and
// the change-notification hooks the synchronization adapter needs.
package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// ErrEntryNotFound is returned when a container has no entry for an id.
var ErrEntryNotFound = errors.New("document: entry not found")

// Doc is a shared replicated document holding named containers of
// entity entries. Entries are opaque JSON blobs keyed by entity id;
// conflict resolution across entries lives in the merge layer, never
// here.
//
// All methods are safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	am        *automerge.Doc
	dirty     bool
	observers map[int]func()
	nextObs   int
}

// New creates an empty document.
func New() *Doc {
	return &Doc{
		am:        automerge.New(),
		observers: make(map[int]func()),
	}
}

// Load restores a document from a full snapshot produced by Save.
func Load(snapshot []byte) (*Doc, error) {
	am, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("document: load snapshot: %w", err)
	}
	return &Doc{
		am:        am,
		observers: make(map[int]func()),
	}, nil
}

// SetActor assigns a stable actor identity to this replica. Must be
// called before the first local mutation.
func (d *Doc) SetActor(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.SetActorID(id)
}

// ApplyUpdate applies an opaque update payload received from a peer and
// notifies observers. Applying the same payload twice is harmless.
func (d *Doc) ApplyUpdate(payload []byte) error {
	d.mu.Lock()
	if err := d.am.LoadIncremental(payload); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("document: apply update: %w", err)
	}
	obs := d.snapshotObservers()
	d.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
	return nil
}

// GenerateUpdate commits pending local mutations and returns the
// incremental payload covering everything since the previous call.
// A nil return means there was nothing new to send.
func (d *Doc) GenerateUpdate(message string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dirty {
		return nil, nil
	}
	if _, err := d.am.Commit(message); err != nil {
		return nil, fmt.Errorf("document: commit: %w", err)
	}
	d.dirty = false
	payload := d.am.SaveIncremental()
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

// SetEntry writes an entity's JSON form into a container.
func (d *Doc) SetEntry(container, id string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.am.Path(container, id).Set(string(value)); err != nil {
		return fmt.Errorf("document: set %s/%s: %w", container, id, err)
	}
	d.dirty = true
	return nil
}

// DeleteEntry removes an entity from a container. Deleting an absent
// entry is not an error.
func (d *Doc) DeleteEntry(container, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.am.Path(container).Get()
	if err != nil {
		return fmt.Errorf("document: delete %s/%s: %w", container, id, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil
	}
	if err := v.Map().Delete(id); err != nil {
		return fmt.Errorf("document: delete %s/%s: %w", container, id, err)
	}
	d.dirty = true
	return nil
}

// Entry returns the JSON form of one entity.
func (d *Doc) Entry(container, id string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.am.Path(container, id).Get()
	if err != nil {
		return nil, fmt.Errorf("document: get %s/%s: %w", container, id, err)
	}
	if v.Kind() != automerge.KindStr {
		return nil, ErrEntryNotFound
	}
	return []byte(v.Str()), nil
}

// Entries returns every entry in a container keyed by entity id. An
// absent container yields an empty map. Entries that are not string
// values are skipped.
func (d *Doc) Entries(container string) (map[string][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]byte)
	v, err := d.am.Path(container).Get()
	if err != nil {
		return nil, fmt.Errorf("document: list %s: %w", container, err)
	}
	if v.Kind() != automerge.KindMap {
		return out, nil
	}
	values, err := v.Map().Values()
	if err != nil {
		return nil, fmt.Errorf("document: list %s: %w", container, err)
	}
	for id, ev := range values {
		if ev.Kind() == automerge.KindStr {
			out[id] = []byte(ev.Str())
		}
	}
	return out, nil
}

// Observe registers a callback invoked after each remote update is
// applied. The returned function unregisters the observer.
func (d *Doc) Observe(fn func()) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Save returns a full snapshot suitable for Load.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// Heads returns the current change heads, useful for diagnostics.
func (d *Doc) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Heads()
}

func (d *Doc) snapshotObservers() []func() {
	obs := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		obs = append(obs, fn)
	}
	return obs
}
