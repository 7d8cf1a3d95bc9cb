package server

import (
	"github.com/wiremux/wiremux/pkg/wmp/streams"
)

type streamState int

const (
	stateOpen streamState = iota
	stateClosed
)

// stream is the state for a single stream.
//
// Streams live in the connection's store and move through the connection's
// queues by linking themselves: one link field and one queued flag per queue.
// The flags exist because a queue's head carries no inbound link, so link
// fields alone cannot answer "is this stream queued".
type stream struct {
	id    uint32
	state streamState

	// pendingCtrl and pendingData hold frames scheduled on this stream,
	// FIFO each. Control frames are drained before data frames.
	pendingCtrl []frameWriteRequest
	pendingData []frameWriteRequest

	queuedCtrl bool
	queuedData bool

	ctrlLink   streams.Link
	dataLink   streams.Link
	closedLink streams.Link
}

// nextCtrl links streams with queued control frames.
type nextCtrl struct{}

func (nextCtrl) Next(s *stream) (streams.Key, bool)        { return s.ctrlLink.Get() }
func (nextCtrl) SetNext(s *stream, k streams.Key, ok bool) { s.ctrlLink.Set(k, ok) }
func (nextCtrl) TakeNext(s *stream) (streams.Key, bool)    { return s.ctrlLink.Take() }

// nextData links streams with queued data frames.
type nextData struct{}

func (nextData) Next(s *stream) (streams.Key, bool)        { return s.dataLink.Get() }
func (nextData) SetNext(s *stream, k streams.Key, ok bool) { s.dataLink.Set(k, ok) }
func (nextData) TakeNext(s *stream) (streams.Key, bool)    { return s.dataLink.Take() }

// nextClosed links closed streams awaiting removal from the store.
type nextClosed struct{}

func (nextClosed) Next(s *stream) (streams.Key, bool)        { return s.closedLink.Get() }
func (nextClosed) SetNext(s *stream, k streams.Key, ok bool) { s.closedLink.Set(k, ok) }
func (nextClosed) TakeNext(s *stream) (streams.Key, bool)    { return s.closedLink.Take() }
