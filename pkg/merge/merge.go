package merge

import (
	"bytes"
	"errors"
	"sort"
	"time"
)

// ErrMissingID is returned when a wire record carries no entity id.
var ErrMissingID = errors.New("merge: entity has no id")

// PositionEpsilon is the increment applied to the losing side of a
// sort-position collision. Small enough to preserve approximate intent
// without renumbering the whole collection.
const PositionEpsilon = 1e-5

// Entities merges two replicas of the same entity into one convergent
// result. Whole-value fields resolve by last-writer-wins on UpdatedAt.
// SubItems are merged by id-union so concurrent additions from both
// replicas are retained. The function is commutative:
// Entities(a, b) == Entities(b, a).
func Entities(a, b Entity) Entity {
	winner, loser := a, b
	if later(b, a) {
		winner, loser = b, a
	}

	out := winner
	if loser.CreatedAt.Before(winner.CreatedAt) && !loser.CreatedAt.IsZero() {
		out.CreatedAt = loser.CreatedAt
	}
	out.SubItems = mergeSubItems(winner.SubItems, loser.SubItems)
	return out
}

// later reports whether x should win a last-writer-wins resolution
// against y. Equal timestamps fall through to a byte comparison of the
// encoded forms so the choice is deterministic on both replicas.
func later(x, y Entity) bool {
	if !x.UpdatedAt.Equal(y.UpdatedAt) {
		return x.UpdatedAt.After(y.UpdatedAt)
	}
	xb, xerr := EncodeEntity(x)
	yb, yerr := EncodeEntity(y)
	if xerr != nil || yerr != nil {
		// Unencodable entities still need a stable winner.
		if x.ID != y.ID {
			return x.ID > y.ID
		}
		return x.Title > y.Title
	}
	return bytes.Compare(xb, yb) > 0
}

// mergeSubItems unions two sub-item lists by id. An item present on
// only one side is kept as-is; an item present on both resolves by
// last-writer-wins on UpdatedAt. Output order is deterministic.
func mergeSubItems(a, b []SubItem) []SubItem {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	byID := make(map[string]SubItem, len(a)+len(b))
	for _, si := range a {
		byID[si.ID] = si
	}
	for _, si := range b {
		cur, ok := byID[si.ID]
		if !ok {
			byID[si.ID] = si
			continue
		}
		if si.UpdatedAt.After(cur.UpdatedAt) ||
			(si.UpdatedAt.Equal(cur.UpdatedAt) && si.Title > cur.Title) {
			byID[si.ID] = si
		}
	}

	out := make([]SubItem, 0, len(byID))
	for _, si := range byID {
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Collections merges two entity collections by id. Items present on
// only one side are kept; items present on both are merged via
// Entities. The result is position-resolved and deterministically
// ordered.
func Collections(a, b []Entity) []Entity {
	byID := make(map[string]Entity, len(a)+len(b))
	for _, e := range a {
		byID[e.ID] = e
	}
	for _, e := range b {
		if cur, ok := byID[e.ID]; ok {
			byID[e.ID] = Entities(cur, e)
		} else {
			byID[e.ID] = e
		}
	}

	out := make([]Entity, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return ResolvePositions(out)
}

// ResolvePositions breaks explicit sort-position collisions. When two
// items carry the same Position, the one with the later UpdatedAt
// keeps the slot and each other collider is nudged by PositionEpsilon.
// Resolution is deterministic and repeatable for the same inputs.
func ResolvePositions(items []Entity) []Entity {
	byPos := make(map[float64][]int)
	for i, e := range items {
		byPos[e.Position] = append(byPos[e.Position], i)
	}

	out := make([]Entity, len(items))
	copy(out, items)

	for _, idxs := range byPos {
		if len(idxs) < 2 {
			continue
		}
		// Keeper first: latest UpdatedAt, ties broken by id so both
		// replicas pick the same keeper.
		sort.Slice(idxs, func(i, j int) bool {
			a, b := out[idxs[i]], out[idxs[j]]
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID < b.ID
		})
		for k, idx := range idxs[1:] {
			out[idx].Position += PositionEpsilon * float64(k+1)
		}
	}
	return out
}

// OlderThan reports whether the entity's last modification predates the
// cutoff. Zero UpdatedAt entities are never considered stale.
func OlderThan(e Entity, cutoff time.Time) bool {
	return !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff)
}
