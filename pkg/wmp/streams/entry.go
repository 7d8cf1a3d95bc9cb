package streams

import (
	"fmt"
)

// Entry is the result of probing a Store for a stream ID: either an
// *OccupiedEntry over the existing binding or a *VacantEntry at the point
// where a new one may be bound. Both complete their operation without a
// second lookup race: the state observed by FindEntry is the state acted on.
type Entry[S any] interface {
	entry()
}

// OccupiedEntry is a view over a stream that is already bound to the probed ID.
type OccupiedEntry[S any] struct {
	key   Key
	store *Store[S]
}

func (*OccupiedEntry[S]) entry() {}

// Key returns the key of the bound stream.
func (e *OccupiedEntry[S]) Key() Key {
	return e.key
}

// Get returns the bound stream.
func (e *OccupiedEntry[S]) Get() *S {
	return e.store.Get(e.key)
}

// VacantEntry is a view over the index slot of an ID with no stream bound.
type VacantEntry[S any] struct {
	id    uint32
	store *Store[S]
}

func (*VacantEntry[S]) entry() {}

// Insert inserts the stream and binds it to the probed ID in one step.
// It panics if the ID was bound behind the entry's back, which would mean the
// store was mutated while the entry was held.
func (e *VacantEntry[S]) Insert(stream S) Key {
	if _, ok := e.store.ids[e.id]; ok {
		panic(fmt.Sprintf("streams: stream %d bound while a vacant entry was held", e.id))
	}
	key := e.store.alloc(stream)
	e.store.ids[e.id] = key
	return key
}
