package server

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wiremux/wiremux/pkg/wmp/codec"
	"github.com/wiremux/wiremux/pkg/wmp/streams"
	"github.com/wiremux/wiremux/pkg/util/logutil"
)

var (
	errStreamClosed       = errors.New("stream closed")
	errClientDisconnected = errors.New("client disconnected")
)

// conn is the state of a connection between server and client.
type conn struct {
	// Immutable:
	server  *Server
	rwc     net.Conn
	traceID string

	ctx              context.Context
	cancelCtx        context.CancelFunc
	framer           *codec.Framer
	doneServing      chan struct{}          // closed when serve ends
	readFrameCh      chan frameReadResult   // written by readFrames
	wantWriteFrameCh chan frameWriteRequest // from handlers -> serve
	wroteFrameCh     chan frameWriteResult  // from writeFrameAsync -> serve, tickles more frame writes
	serveMsgCh       chan *serverMessage    // misc messages & code to send to / run on the serve loop

	// Everything following is owned by the serve loop and must only be
	// touched there:
	maxClientStreamID   uint32 // max ever seen from client, or 0 if there have been no client requests
	streams             *streams.Store[stream]
	closedStreams       streams.List[stream, nextClosed] // closed, awaiting removal from the store
	wScheduler          *writeScheduler                  // wScheduler manages frames to be written
	inFrameScheduleLoop bool                             // whether we're in the scheduleFrameWrite loop
	writingFrame        bool                             // started writing a frame
	writingFrameAsync   bool                             // started a frame on its own goroutine but haven't heard back on wroteFrameCh
	needsFrameFlush     bool                             // last frame write wasn't a flush
	inGoAway            bool                             // we've started to or sent GOAWAY
	needToSendGoAway    bool                             // we need to schedule a GOAWAY frame write
	isGoAwayResponse    bool                             // we started a GOAWAY response rather than a request
	shutdownTimer       *time.Timer                      // nil until used
	idleTimeout         time.Duration                    // zero if disabled
	idleTimer           *time.Timer                      // nil if unused

	// Used by startGracefulShutdown.
	shutdownOnce sync.Once

	lg *zap.Logger
}

func (c *conn) serve() {
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.close()

	logger.Info("start to serve connection")

	if c.idleTimeout != 0 {
		c.idleTimer = time.AfterFunc(c.idleTimeout, func() { c.sendServeMsg(idleTimerMsg) })
		defer c.idleTimer.Stop()
	}

	go c.readFrames() // closed by c.rwc.Close in defer close above

	for {
		select {
		case wr := <-c.wantWriteFrameCh:
			c.writeFrame(wr)
		case res := <-c.wroteFrameCh:
			c.wroteFrame(res)
		case res := <-c.readFrameCh:
			// Process any written frames before reading new frames from the client since a
			// written frame could have triggered a new stream to be started.
			if c.writingFrameAsync {
				select {
				case wroteRes := <-c.wroteFrameCh:
					c.wroteFrame(wroteRes)
				default:
				}
			}
			if !c.processFrameFromReader(res) {
				return
			}
		case msg := <-c.serveMsgCh:
			switch msg {
			case idleTimerMsg:
				logger.Info("connection is idle")
				c.goAway(false)
			case shutdownTimerMsg:
				logger.Info("GOAWAY close timer fired, closing connection")
				return
			case gracefulShutdownMsg:
				logger.Info("start to shut down gracefully")
				c.goAway(false)
			default:
				panic("unknown timer")
			}
		}

		// Streams closed in this iteration can be dropped from the store now:
		// nothing references their slots anymore.
		c.reapClosedStreams()

		// Start the shutdown timer after sending a GOAWAY. When sending GOAWAY
		// with no error code (graceful shutdown), don't start the timer until
		// all open streams have been completed.
		sentGoAway := c.inGoAway && !c.needToSendGoAway && !c.writingFrame
		if sentGoAway && c.shutdownTimer == nil && c.streams.Len() == 0 {
			c.shutdownTimer = time.AfterFunc(goAwayTimeout, func() { c.sendServeMsg(shutdownTimerMsg) })
		}
	}
}

// readFrames is the loop that reads incoming frames.
// It runs on its own goroutine.
func (c *conn) readFrames() {
	for {
		f, free, err := c.framer.ReadFrame()
		select {
		case c.readFrameCh <- frameReadResult{f, free, err}:
		case <-c.doneServing:
			return
		}
		if err != nil {
			return
		}
	}
}

// writeFrame schedules a frame to write and sends it if there's nothing
// already being written.
//
// There is no pushback here (the serve goroutine never blocks). It's
// the handlers that block, waiting for their previous frames to
// make it onto the wire
//
// If you're not on the serve goroutine, use writeFrameFromHandler instead.
func (c *conn) writeFrame(wr frameWriteRequest) {
	defer c.scheduleFrameWrite()

	// We never write frames on closed or removed streams.
	//
	// The connection might close a stream while the stream's handler is still
	// running. For example, the connection might close a stream when it
	// receives bad data from the client. If this happens, the handler might
	// attempt to write a frame after the stream has been closed (since the
	// handler hasn't yet been notified of the close). In this case, we simply
	// discard the frame. The handler will notice that the stream is closed
	// when it waits for the frame to be written.
	ptr, ok := c.streams.Find(wr.sid)
	if !ok || ptr.Stream().state == stateClosed {
		if wr.free != nil {
			wr.free()
		}
		wr.replyToWriter(errStreamClosed)
		return
	}
	c.wScheduler.Push(c.streams, wr)
}

// wroteFrame is called on the serve goroutine with the result of whatever
// happened after writing a frame.
func (c *conn) wroteFrame(res frameWriteResult) {
	if !c.writingFrame {
		panic("internal error: expected to be already writing a frame")
	}
	c.writingFrame = false
	c.writingFrameAsync = false

	if res.wr.free != nil {
		res.wr.free()
	}

	wr := res.wr
	if wr.endStream {
		c.closeStream(wr.sid)
	}
	wr.replyToWriter(res.err)

	c.scheduleFrameWrite()
}

// scheduleFrameWrite tickles the frame writing scheduler.
//
// If a frame is already being written, nothing happens. This will be called again
// when the frame is done being written.
//
// If a frame isn't being written, and we need to send one, the best frame
// to send is selected by conn.wScheduler.
//
// If a frame isn't being written and there's nothing else to send, we
// flush the write buffer.
func (c *conn) scheduleFrameWrite() {
	if c.writingFrame || c.inFrameScheduleLoop {
		return
	}
	c.inFrameScheduleLoop = true
	for !c.writingFrameAsync {
		if c.needToSendGoAway {
			c.needToSendGoAway = false
			sid := c.maxClientStreamID
			if !c.isGoAwayResponse {
				sid = c.maxClientStreamID + 1
			}
			c.newStream(sid)
			c.startFrameWrite(frameWriteRequest{
				f:         codec.NewGoAwayFrame(sid, c.isGoAwayResponse),
				sid:       sid,
				endStream: true,
			})
			continue
		}
		if wr, ok := c.wScheduler.Pop(c.streams); ok {
			c.startFrameWrite(wr)
			continue
		}
		if c.needsFrameFlush {
			_ = c.framer.Flush()
			c.needsFrameFlush = false
			continue
		}
		break
	}
	c.inFrameScheduleLoop = false
}

// startFrameWrite starts a goroutine to write wr (in a separate
// goroutine since that might block on the network), and updates the
// serve goroutine's state about the world, updated from info in wr.
func (c *conn) startFrameWrite(wr frameWriteRequest) {
	if c.writingFrame {
		panic("internal error: can only be writing one frame at a time")
	}

	c.writingFrame = true
	c.needsFrameFlush = true
	if c.framer.Available() >= wr.f.Size() {
		c.writingFrameAsync = false
		err := c.framer.WriteFrame(wr.f)
		c.wroteFrame(frameWriteResult{wr: wr, err: err})
	} else {
		c.writingFrameAsync = true
		go c.writeFrameAsync(wr)
	}
}

// writeFrameAsync runs in its own goroutine and writes a single frame
// and then reports when it's done.
// At most one goroutine can be running writeFrameAsync at a time per
// conn.
func (c *conn) writeFrameAsync(wr frameWriteRequest) {
	err := c.framer.WriteFrame(wr.f)
	c.wroteFrameCh <- frameWriteResult{wr: wr, err: err}
}

// processFrameFromReader processes the serve loop's read from readFrameCh from the
// frame-reading goroutine.
// processFrameFromReader returns whether the connection should be kept open.
func (c *conn) processFrameFromReader(res frameReadResult) bool {
	logger := c.lg
	if res.free != nil {
		defer res.free()
	}

	err := res.err
	if err != nil {
		clientGone := errors.Cause(err) == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF ||
			strings.Contains(err.Error(), "use of closed network connection")
		if clientGone {
			return false
		}
	} else {
		f := res.f
		if logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("server read frame", zap.String("frame", f.Summarize()))
		}

		err = c.processFrame(f)
		if err == nil {
			return true
		}
	}
	if res.err != nil {
		logger.Error("failed to read frame from client connection", zap.Error(err))
	} else {
		logger.Error("failed to process frame", zap.Error(err))
	}
	c.goAway(false)
	return true
}

func (c *conn) processFrame(f codec.Frame) error {
	logger := c.lg

	streamID := f.Base().StreamID

	// Discard frames for streams initiated after the identified last stream sent in a GOAWAY
	if c.inGoAway && streamID > c.maxClientStreamID {
		logger.Warn("server ignoring frame for stream initiated after GOAWAY", zap.String("frame", f.Info()))
		return nil
	}

	// ignore response frames
	if f.IsResponse() {
		if _, ok := f.(*codec.GoAwayFrame); !ok {
			logger.Warn("server ignoring response frame", zap.String("frame", f.Info()))
		}
		return nil
	}

	if streamID <= c.maxClientStreamID {
		logger.Error("server received a frame with an ID that has decreased", zap.String("frame", f.Info()))
		return errors.New("decreased stream ID")
	}

	st := c.newStream(streamID)

	switch f := f.(type) {
	case *codec.PingFrame:
		return c.processPing(f, st)
	case *codec.GoAwayFrame:
		return c.processGoAway(f, st)
	case *codec.HeartbeatFrame:
		return c.processHeartbeat(f, st)
	case *codec.DataFrame:
		return c.processDataFrame(f, st)
	default:
		logger.Warn("server ignoring unknown type frame", zap.String("frame", f.Info()))
		c.closeStream(streamID)
		return nil
	}
}

func (c *conn) processPing(f *codec.PingFrame, st streams.Ptr[stream]) error {
	outFrame, free := codec.NewPingFrameResp(f)
	c.writeFrame(frameWriteRequest{
		f:         outFrame,
		free:      free,
		sid:       st.Stream().id,
		endStream: true,
	})
	return nil
}

func (c *conn) processGoAway(f *codec.GoAwayFrame, _ streams.Ptr[stream]) error {
	logger := c.lg
	logger.Info("received GOAWAY frame, starting graceful shutdown", zap.Uint32("max-stream-id", f.Base().StreamID))
	c.goAway(true)
	return nil
}

func (c *conn) processHeartbeat(f *codec.HeartbeatFrame, st streams.Ptr[stream]) error {
	c.server.handler.Heartbeat(string(f.Base().Payload))
	outFrame, free := codec.NewHeartbeatFrameResp(f)
	c.writeFrame(frameWriteRequest{
		f:         outFrame,
		free:      free,
		sid:       st.Stream().id,
		endStream: true,
	})
	return nil
}

func (c *conn) processDataFrame(f *codec.DataFrame, st streams.Ptr[stream]) error {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}

	action := GetAction(f.Base().OpCode)
	frameCtx := f.Context()
	payload := f.Base().Payload
	if payload != nil {
		// The frame's buffer is freed once processFrameFromReader returns;
		// the handler runs on its own goroutine and needs a copy.
		payload = append([]byte(nil), payload...)
	}
	sid := st.Stream().id
	go c.runHandlerAndWrite(frameCtx, sid, func() ([]byte, error) {
		return c.runHandler(action, payload)
	})
	return nil
}

func (c *conn) runHandlerAndWrite(frameCtx *codec.DataFrameContext, sid uint32, act func() ([]byte, error)) {
	logger := c.lg

	var outFrame codec.Frame
	respPayload, err := act()
	if err != nil {
		logger.Error("handler failed", zap.String("operation", frameCtx.OpCode.String()), zap.Error(err))
		outFrame = codec.NewSystemErrorResp(frameCtx, err.Error())
	} else {
		outFrame = codec.NewDataFrameResp(frameCtx, respPayload, true)
	}

	errCh := errChanPool.Get().(chan error)
	err = c.writeFrameFromHandler(frameWriteRequest{
		f:         outFrame,
		sid:       sid,
		done:      errCh,
		endStream: true,
	})
	if err != nil {
		logger.Error("failed to schedule to write response frame", zap.Error(err))
		return
	}
	select {
	case err = <-errCh:
	case <-c.doneServing:
		logger.Warn("failed to write response frame, connection closed")
		return
	}
	errChanPool.Put(errCh)
	if err != nil {
		logger.Error("failed to write response frame", zap.Error(err))
	}
}

func (c *conn) runHandler(action *Action, payload []byte) (resp []byte, err error) {
	logger := c.lg
	didPanic := true
	defer func() {
		if didPanic {
			e := recover()
			resp, err = nil, errors.New("handler panic")
			if e != nil {
				logger.Error("panic serving", zap.Reflect("panic", e), zap.Stack("stack"))
			}
		}
	}()
	resp, err = action.act(c.server.handler, payload)
	didPanic = false
	return
}

var errChanPool = sync.Pool{
	New: func() interface{} { return make(chan error, 1) },
}

// writeFrameFromHandler sends wr to conn.wantWriteFrameCh, but aborts
// if the connection has gone away.
//
// This must not be run from the serve goroutine itself, else it might
// deadlock writing to conn.wantWriteFrameCh (which is only mildly
// buffered and is read by serve itself). If you're on the serve
// goroutine, call writeFrame instead.
func (c *conn) writeFrameFromHandler(wr frameWriteRequest) error {
	select {
	case c.wantWriteFrameCh <- wr:
		return nil
	case <-c.doneServing:
		// Serve loop is gone.
		// Client has closed their connection to the server.
		return errClientDisconnected
	}
}

// newStream returns the stream with the given ID, creating it if needed.
// A single probe of the store serves both cases.
func (c *conn) newStream(id uint32) streams.Ptr[stream] {
	switch e := c.streams.FindEntry(id).(type) {
	case *streams.OccupiedEntry[stream]:
		return c.streams.Resolve(e.Key())
	case *streams.VacantEntry[stream]:
		key := e.Insert(stream{
			id:    id,
			state: stateOpen,
		})
		if id > c.maxClientStreamID {
			c.maxClientStreamID = id
		}
		return c.streams.Resolve(key)
	default:
		panic("unknown entry type")
	}
}

// closeStream marks the stream closed, discards its queued frames and leaves
// it on the closed queue for reapClosedStreams.
func (c *conn) closeStream(sid uint32) {
	ptr, ok := c.streams.Find(sid)
	if !ok || ptr.Stream().state == stateClosed {
		return
	}
	ptr.Stream().state = stateClosed
	c.wScheduler.CloseStream(c.streams, sid)
	c.closedStreams.Push(ptr)
}

// reapClosedStreams removes closed streams from the store. Only safe once
// they are unlinked from every other queue, which closeStream guarantees.
func (c *conn) reapClosedStreams() {
	if c.closedStreams.IsEmpty() {
		return
	}
	closed := c.closedStreams.Take()
	for {
		ptr, ok := closed.Pop(c.streams)
		if !ok {
			break
		}
		c.streams.Delete(ptr.Stream().id)
	}
	if c.streams.Len() == 0 && c.idleTimeout != 0 && c.idleTimer != nil {
		c.idleTimer.Reset(c.idleTimeout)
	}
}

func (c *conn) close() {
	logger := c.lg
	logger.Info("closing connection")
	close(c.doneServing)
	if t := c.shutdownTimer; t != nil {
		t.Stop()
	}
	c.wScheduler.Drain(c.streams, errClientDisconnected)
	var ids []uint32
	c.streams.ForEach(func(st *stream) {
		ids = append(ids, st.id)
	})
	for _, id := range ids {
		c.closeStream(id)
	}
	c.reapClosedStreams()
	_ = c.rwc.Close()
	c.cancelCtx()
	logger.Info("connection closed")
}

// After sending GOAWAY with an error code (non-graceful shutdown), the
// connection will close after goAwayTimeout.
//
// If we close the connection immediately after sending GOAWAY, there may
// be unsent data in our kernel receive buffer, which will cause the kernel
// to send a TCP RST on close() instead of a FIN. This RST will abort the
// connection immediately, whether the client had received the GOAWAY.
//
// Ideally we should delay for at least 1 RTT + epsilon so the client has
// a chance to read the GOAWAY and stop sending messages. Measuring RTT
// is hard, so we approximate with 1 second. See golang.org/issue/18701.
//
// This is a var, so it can be shorter in tests, where all requests uses the
// loopback interface making the expected RTT very small.
var goAwayTimeout = 1 * time.Second

func (c *conn) goAway(isResponse bool) {
	if c.inGoAway {
		return
	}
	c.inGoAway = true
	c.needToSendGoAway = true
	c.isGoAwayResponse = isResponse
	c.scheduleFrameWrite()
}

// startGracefulShutdown gracefully shuts down a connection. This
// sends GOAWAY to tell the client we're gracefully shutting down.
// The connection isn't closed until all current streams are done.
//
// startGracefulShutdown returns immediately; it does not wait until
// the connection has shutdown.
func (c *conn) startGracefulShutdown() {
	c.shutdownOnce.Do(func() { c.sendServeMsg(gracefulShutdownMsg) })
}

type serverMessage int

// Message values sent to serveMsgCh.
var (
	idleTimerMsg        = new(serverMessage)
	shutdownTimerMsg    = new(serverMessage)
	gracefulShutdownMsg = new(serverMessage)
)

func (c *conn) sendServeMsg(msg *serverMessage) {
	select {
	case c.serveMsgCh <- msg:
	case <-c.doneServing:
	}
}

type frameReadResult struct {
	f    codec.Frame
	free func() // free should be called once the frame is no longer needed
	err  error
}

// frameWriteResult is the message passed from writeFrameAsync to the serve goroutine.
type frameWriteResult struct {
	wr  frameWriteRequest // what was written (or attempted)
	err error             // result of the writeFrame call
}
