package streams

// Next reads and writes a stream's link field for one logical queue.
//
// A stream may belong to several queues at once, so it carries one link field
// per queue and each queue supplies its own Next implementation over its own
// field. Implementations are empty structs selected through List's type
// parameter, so link access compiles down to a direct field access. Embedding
// a Link per queue makes each method a one-liner.
type Next[S any] interface {
	// Next peeks the queue's link without mutating it.
	Next(stream *S) (Key, bool)
	// SetNext overwrites the queue's link.
	SetNext(stream *S, key Key, ok bool)
	// TakeNext reads and clears the queue's link in one step.
	TakeNext(stream *S) (Key, bool)
}

// Link is a queue link field for streams to embed, one per queue.
// The zero value is an unset link.
type Link struct {
	key Key
	ok  bool
}

// Get returns the linked key, if set.
func (l Link) Get() (Key, bool) {
	return l.key, l.ok
}

// Set overwrites the link.
func (l *Link) Set(key Key, ok bool) {
	l.key = key
	l.ok = ok
}

// Take returns the linked key, if set, and clears the link.
func (l *Link) Take() (Key, bool) {
	key, ok := l.key, l.ok
	*l = Link{}
	return key, ok
}

// List is an intrusive FIFO queue of streams, linked through the field
// selected by N. It owns no streams, only a head and tail key into the store
// all its operations are given.
//
// A stream may occupy at most one position in a given list, but may be in any
// number of lists with distinct capabilities at the same time.
type List[S any, N Next[S]] struct {
	head, tail Key
	ok         bool
}

// IsEmpty reports whether the list holds no streams.
func (l *List[S, N]) IsEmpty() bool {
	return !l.ok
}

// Take empties the list and returns a new one owning the previous contents.
// Used to detach a whole queue for bulk draining.
func (l *List[S, N]) Take() List[S, N] {
	taken := *l
	*l = List[S, N]{}
	return taken
}

// Push appends the stream to the tail of the list.
// The stream's link for this queue must be unset: pushing a stream already in
// this queue is a bug in the caller and panics.
func (l *List[S, N]) Push(stream Ptr[S]) {
	var n N
	if _, ok := n.Next(stream.Stream()); ok {
		panic("streams: pushed stream is already linked in this queue")
	}

	key := stream.Key()
	if l.ok {
		// Link the current tail to the new stream.
		n.SetNext(stream.Resolve(l.tail).Stream(), key, true)
		l.tail = key
	} else {
		l.head = key
		l.tail = key
		l.ok = true
	}
}

// Pop removes and returns the head of the list, if any.
func (l *List[S, N]) Pop(store *Store[S]) (Ptr[S], bool) {
	var n N
	if !l.ok {
		return Ptr[S]{}, false
	}

	stream := store.Resolve(l.head)
	if l.head == l.tail {
		if _, ok := n.Next(stream.Stream()); ok {
			panic("streams: sole stream in queue has a next link")
		}
		l.ok = false
	} else {
		next, ok := n.TakeNext(stream.Stream())
		if !ok {
			panic("streams: non-tail stream in queue has no next link")
		}
		l.head = next
	}
	return stream, true
}

// Retain walks the list once, keeping streams for which f returns true and
// splicing out the rest. The relative order of kept streams is preserved.
func (l *List[S, N]) Retain(store *Store[S], f func(*S) bool) {
	var n N
	if !l.ok {
		return
	}

	var prev Key
	hasPrev := false
	curr := l.head

	for {
		if f(store.Get(curr)) {
			// Stream is retained, walk to the next.
			next, ok := n.Next(store.Get(curr))
			if !ok {
				// Tail.
				break
			}
			prev = curr
			hasPrev = true
			curr = next
			continue
		}

		// Stream is dropped.
		if hasPrev {
			next, ok := n.TakeNext(store.Get(curr))
			n.SetNext(store.Get(prev), next, ok)
			if !ok {
				if curr != l.tail {
					panic("streams: non-tail stream in queue has no next link")
				}
				// Dropped the tail; the previous stream is the new tail.
				l.tail = prev
				break
			}
			curr = next
			continue
		}
		if next, ok := n.TakeNext(store.Get(curr)); ok {
			// Dropped the head.
			curr = next
			l.head = next
			continue
		}
		// Dropped the only stream.
		if curr != l.tail {
			panic("streams: non-tail stream in queue has no next link")
		}
		*l = List[S, N]{}
		return
	}
}
