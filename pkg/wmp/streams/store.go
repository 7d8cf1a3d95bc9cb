// Package streams holds all live per-stream state for one connection.
//
// State objects live in a slab arena with stable indices and are addressed by
// opaque keys, so queues of streams (see List) can be linked through the
// streams themselves without extra allocation. A Store is owned by a single
// goroutine; nothing in this package is safe for concurrent use.
package streams

import (
	"fmt"
)

// Key references an entry in a Store.
//
// A Key is a bare reference: it carries no validity guarantee and is only
// meaningful for the Store that produced it. Using a Key after its stream has
// been removed panics once the slot is reused or probed.
type Key struct {
	index uint32
}

// Store is the storage for streams.
//
// It pairs a slab arena of stream objects with an index from the protocol
// stream ID to the arena slot. Every ID in the index refers to an occupied
// slot.
type Store[S any] struct {
	slots []slot[S]
	// free is the head of the free-slot list, len(slots) when there is none.
	free uint32
	ids  map[uint32]Key
}

type slot[S any] struct {
	stream S
	next   uint32 // next free slot, meaningful only when vacant
	vacant bool
}

// NewStore creates an empty store.
func NewStore[S any]() *Store[S] {
	return &Store[S]{
		ids: make(map[uint32]Key),
	}
}

// Resolve returns a cursor over key.
// The key must come from this store and still be occupied.
func (s *Store[S]) Resolve(key Key) Ptr[S] {
	return Ptr[S]{
		key:   key,
		store: s,
	}
}

// Find returns a cursor over the stream bound to id, if any.
func (s *Store[S]) Find(id uint32) (Ptr[S], bool) {
	key, ok := s.ids[id]
	if !ok {
		return Ptr[S]{}, false
	}
	return Ptr[S]{
		key:   key,
		store: s,
	}, true
}

// Insert inserts a stream and binds it to id.
// A duplicate id is a bug in the caller and panics.
func (s *Store[S]) Insert(id uint32, stream S) Ptr[S] {
	if _, ok := s.ids[id]; ok {
		panic(fmt.Sprintf("streams: stream %d inserted twice", id))
	}
	key := s.alloc(stream)
	s.ids[id] = key
	return Ptr[S]{
		key:   key,
		store: s,
	}
}

// FindEntry probes the index once and returns either an *OccupiedEntry over
// the existing stream or a *VacantEntry through which one can be inserted.
func (s *Store[S]) FindEntry(id uint32) Entry[S] {
	if key, ok := s.ids[id]; ok {
		return &OccupiedEntry[S]{key: key, store: s}
	}
	return &VacantEntry[S]{id: id, store: s}
}

// ForEach applies f to every stream bound to an ID, in unspecified order.
func (s *Store[S]) ForEach(f func(*S)) {
	for _, key := range s.ids {
		f(s.Get(key))
	}
}

// Get returns the stream referenced by key.
// It panics if the key is stale or belongs to another store, mirroring the
// arena's out-of-bounds behavior.
func (s *Store[S]) Get(key Key) *S {
	sl := &s.slots[key.index]
	if sl.vacant {
		panic(fmt.Sprintf("streams: key %d is vacant", key.index))
	}
	return &sl.stream
}

// Delete removes the stream bound to id and frees its slot.
// The caller must have unlinked the stream from every queue first; a queue
// still holding the stream's key would be corrupted once the slot is reused.
func (s *Store[S]) Delete(id uint32) (stream S, ok bool) {
	key, ok := s.ids[id]
	if !ok {
		return
	}
	delete(s.ids, id)

	sl := &s.slots[key.index]
	stream = sl.stream
	var zero S
	sl.stream = zero
	sl.vacant = true
	sl.next = s.free
	s.free = key.index
	return stream, true
}

// Len returns the number of streams bound to an ID.
func (s *Store[S]) Len() int {
	return len(s.ids)
}

func (s *Store[S]) alloc(stream S) Key {
	if s.free < uint32(len(s.slots)) {
		index := s.free
		sl := &s.slots[index]
		s.free = sl.next
		sl.stream = stream
		sl.vacant = false
		return Key{index: index}
	}
	s.slots = append(s.slots, slot[S]{stream: stream})
	s.free = uint32(len(s.slots))
	return Key{index: uint32(len(s.slots) - 1)}
}

// Ptr is a cursor over one entry in a Store.
//
// It dereferences to the referenced stream and can pivot to any sibling entry
// via Resolve, which is what lets list algorithms walk from one node to the
// next while mutating both. At most one Ptr should be acted on at a time; the
// store it came from must not be mutated underneath it.
type Ptr[S any] struct {
	key   Key
	store *Store[S]
}

// Key returns the key the cursor points at.
func (p Ptr[S]) Key() Key {
	return p.key
}

// Stream returns the referenced stream.
func (p Ptr[S]) Stream() *S {
	return p.store.Get(p.key)
}

// Resolve returns a cursor over another key in the same store.
func (p Ptr[S]) Resolve(key Key) Ptr[S] {
	return Ptr[S]{
		key:   key,
		store: p.store,
	}
}

// Store returns the store the cursor points into.
func (p Ptr[S]) Store() *Store[S] {
	return p.store
}
