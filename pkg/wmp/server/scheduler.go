package server

import (
	"github.com/wiremux/wiremux/pkg/wmp/codec"
	"github.com/wiremux/wiremux/pkg/wmp/streams"
)

// writeScheduler decides which frame to write next.
//
// Frames queue on the streams themselves; the scheduler only links streams
// into two intrusive queues inside the connection's store: a control queue,
// drained first, and a data queue, drained round-robin for fairness across
// streams. Methods are never called concurrently.
type writeScheduler struct {
	ctrl streams.List[stream, nextCtrl]
	data streams.List[stream, nextData]
}

// Push queues a frame in the scheduler.
// The frame's stream must be in the store.
func (ws *writeScheduler) Push(store *streams.Store[stream], wr frameWriteRequest) {
	ptr, ok := store.Find(wr.sid)
	if !ok {
		panic("wmp: frame pushed for a stream not in the store")
	}
	st := ptr.Stream()
	if wr.f.Base().OpCode.IsControl() {
		st.pendingCtrl = append(st.pendingCtrl, wr)
		if !st.queuedCtrl {
			st.queuedCtrl = true
			ws.ctrl.Push(ptr)
		}
		return
	}
	st.pendingData = append(st.pendingData, wr)
	if !st.queuedData {
		st.queuedData = true
		ws.data.Push(ptr)
	}
}

// Pop dequeues the next frame to write. Returns false if no frames can
// be written. Control frames are popped before data frames; frames with a
// given stream are popped in the same order they are pushed.
func (ws *writeScheduler) Pop(store *streams.Store[stream]) (frameWriteRequest, bool) {
	for {
		ptr, ok := ws.ctrl.Pop(store)
		if !ok {
			break
		}
		st := ptr.Stream()
		st.queuedCtrl = false
		if len(st.pendingCtrl) == 0 {
			continue
		}
		wr := st.pendingCtrl[0]
		st.pendingCtrl = st.pendingCtrl[1:]
		if len(st.pendingCtrl) > 0 {
			// More to write; back to the end of the queue.
			st.queuedCtrl = true
			ws.ctrl.Push(ptr)
		}
		return wr, true
	}
	for {
		ptr, ok := ws.data.Pop(store)
		if !ok {
			break
		}
		st := ptr.Stream()
		st.queuedData = false
		if len(st.pendingData) == 0 {
			continue
		}
		wr := st.pendingData[0]
		st.pendingData = st.pendingData[1:]
		if len(st.pendingData) > 0 {
			st.queuedData = true
			ws.data.Push(ptr)
		}
		return wr, true
	}
	return frameWriteRequest{}, false
}

// CloseStream discards any frames queued on the stream and unlinks it from
// the scheduler's queues. It must be called before the stream is removed from
// the store: a queue still holding the stream's key would be corrupted once
// the slot is reused.
func (ws *writeScheduler) CloseStream(store *streams.Store[stream], streamID uint32) {
	ptr, ok := store.Find(streamID)
	if !ok {
		return
	}
	st := ptr.Stream()
	discard(st.pendingCtrl, errStreamClosed)
	discard(st.pendingData, errStreamClosed)
	st.pendingCtrl = nil
	st.pendingData = nil
	if st.queuedCtrl {
		ws.ctrl.Retain(store, func(s *stream) bool { return s.id != streamID })
		st.queuedCtrl = false
	}
	if st.queuedData {
		ws.data.Retain(store, func(s *stream) bool { return s.id != streamID })
		st.queuedData = false
	}
}

// Drain discards everything, replying to in-flight writers with err.
// Used when the connection goes down.
func (ws *writeScheduler) Drain(store *streams.Store[stream], err error) {
	ctrl := ws.ctrl.Take()
	for {
		ptr, ok := ctrl.Pop(store)
		if !ok {
			break
		}
		st := ptr.Stream()
		st.queuedCtrl = false
		discard(st.pendingCtrl, err)
		st.pendingCtrl = nil
	}
	data := ws.data.Take()
	for {
		ptr, ok := data.Pop(store)
		if !ok {
			break
		}
		st := ptr.Stream()
		st.queuedData = false
		discard(st.pendingData, err)
		st.pendingData = nil
	}
}

// discard frees the payload buffers of dropped frames and unblocks any
// handlers waiting on them.
func discard(pending []frameWriteRequest, err error) {
	for i := range pending {
		wr := &pending[i]
		if wr.free != nil {
			wr.free()
		}
		wr.replyToWriter(err)
	}
}

// frameWriteRequest is a request to write a frame.
type frameWriteRequest struct {
	f codec.Frame

	// sid is the ID of the stream on which this frame will be written.
	// Frames hold no pointer into the store: stream state is looked up at
	// scheduling time.
	sid uint32

	// free, if non-nil, is called once the frame's payload buffer is no
	// longer needed.
	free func()

	// done, if non-nil, must be a buffered channel with space for
	// 1 message and is sent the return value from write (or an
	// earlier error) when the frame has been written.
	done chan error

	// whether f is the last frame to be written in the stream
	endStream bool
}

// replyToWriter sends err to frameWriteRequest.done and panics if done is unbuffered
// This does nothing if frameWriteRequest.done is nil.
func (wr *frameWriteRequest) replyToWriter(err error) {
	if wr.done == nil {
		return
	}
	select {
	case wr.done <- err:
	default:
		panic("unbuffered done channel")
	}
}
