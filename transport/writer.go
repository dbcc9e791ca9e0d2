package transport

import (
	"bufio"
	"bytes"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Outbound commands. Handlers enqueue these from any goroutine; the write
// loop drains them in order and owns all outbound connection state (hpack
// encoder, send quotas, per-stream pending data).

type headersFrame struct {
	streamID  uint32
	fields    []hpack.HeaderField
	endStream bool
	// onWrite runs on the write loop after the frame is written, before the
	// next command. Used to observe the flush of closing trailers.
	onWrite func()
}

type dataFrame struct {
	streamID  uint32
	data      []byte
	endStream bool
}

type rstStreamFrame struct {
	streamID uint32
	code     http2.ErrCode
}

type goAwayFrame struct {
	last      uint32
	code      http2.ErrCode
	debugData []byte
}

type pingFrame struct {
	ack  bool
	data [8]byte
}

type settingsFrame struct {
	settings []http2.Setting
}

type outgoingWindowUpdate struct {
	streamID  uint32
	increment uint32
}

// incomingWindowUpdate transfers peer WINDOW_UPDATE credit to the writer.
type incomingWindowUpdate struct {
	streamID  uint32
	increment uint32
}

// incomingSettings applies a peer SETTINGS frame and acks it.
type incomingSettings struct {
	settings []http2.Setting
}

type registerOutStream struct {
	streamID uint32
}

type unregisterOutStream struct {
	streamID uint32
}

// outStream is the writer's view of one stream: its send quota and any data
// the peer's flow-control windows have not yet admitted.
type outStream struct {
	id       uint32
	quota    int64
	pending  []dataFrame
	trailers *headersFrame
}

// writeLoop serializes all frame writes for one connection.
type writeLoop struct {
	framer *http2.Framer
	bw     *bufio.Writer
	henc   *hpack.Encoder
	hbuf   bytes.Buffer

	cmds chan interface{}
	done chan struct{}

	stopOnce sync.Once
	failOnce sync.Once
	// onErr reports the first write error; the connection is then dead.
	onErr func(error)

	sendQuota     int64
	initialWindow int64
	maxFrameSize  int
	streams       map[uint32]*outStream
}

func newWriteLoop(framer *http2.Framer, bw *bufio.Writer, onErr func(error)) *writeLoop {
	w := &writeLoop{
		framer:        framer,
		bw:            bw,
		cmds:          make(chan interface{}, 64),
		done:          make(chan struct{}),
		onErr:         onErr,
		sendQuota:     defaultWindowSize,
		initialWindow: defaultWindowSize,
		maxFrameSize:  defaultMaxFrameSize,
		streams:       make(map[uint32]*outStream),
	}
	w.henc = hpack.NewEncoder(&w.hbuf)
	return w
}

// enqueue submits a command; it is a no-op once the loop has stopped.
func (w *writeLoop) enqueue(cmd interface{}) {
	select {
	case w.cmds <- cmd:
	case <-w.done:
	}
}

func (w *writeLoop) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *writeLoop) fail(err error) {
	w.failOnce.Do(func() { w.onErr(err) })
	w.stop()
}

// run drains commands until stopped, flushing whenever the queue goes idle.
func (w *writeLoop) run() {
	for {
		select {
		case <-w.done:
			return
		case cmd := <-w.cmds:
			if err := w.handle(cmd); err != nil {
				w.fail(err)
				return
			}
		drain:
			for {
				select {
				case <-w.done:
					return
				case cmd := <-w.cmds:
					if err := w.handle(cmd); err != nil {
						w.fail(err)
						return
					}
				default:
					break drain
				}
			}
			if err := w.bw.Flush(); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

func (w *writeLoop) handle(cmd interface{}) error {
	switch c := cmd.(type) {
	case registerOutStream:
		w.streams[c.streamID] = &outStream{id: c.streamID, quota: w.initialWindow}
		return nil
	case unregisterOutStream:
		delete(w.streams, c.streamID)
		return nil
	case headersFrame:
		if s := w.streams[c.streamID]; s != nil && len(s.pending) > 0 {
			// closing trailers must follow queued data
			hf := c
			s.trailers = &hf
			return nil
		}
		return w.writeHeaders(c)
	case dataFrame:
		s := w.streams[c.streamID]
		if s == nil {
			return nil
		}
		s.pending = append(s.pending, c)
		return w.flushStream(s)
	case incomingWindowUpdate:
		if c.streamID == 0 {
			w.sendQuota += int64(c.increment)
			return w.flushAll()
		}
		if s := w.streams[c.streamID]; s != nil {
			s.quota += int64(c.increment)
			return w.flushStream(s)
		}
		return nil
	case incomingSettings:
		for _, st := range c.settings {
			switch st.ID {
			case http2.SettingInitialWindowSize:
				delta := int64(st.Val) - w.initialWindow
				w.initialWindow = int64(st.Val)
				for _, s := range w.streams {
					s.quota += delta
				}
			case http2.SettingMaxFrameSize:
				w.maxFrameSize = int(st.Val)
			}
		}
		if err := w.framer.WriteSettingsAck(); err != nil {
			return err
		}
		return w.flushAll()
	case settingsFrame:
		return w.framer.WriteSettings(c.settings...)
	case rstStreamFrame:
		delete(w.streams, c.streamID)
		return w.framer.WriteRSTStream(c.streamID, c.code)
	case goAwayFrame:
		return w.framer.WriteGoAway(c.last, c.code, c.debugData)
	case pingFrame:
		return w.framer.WritePing(c.ack, c.data)
	case outgoingWindowUpdate:
		return w.framer.WriteWindowUpdate(c.streamID, c.increment)
	}
	return nil
}

// writeHeaders hpack-encodes the fields and emits HEADERS plus any needed
// CONTINUATION frames.
func (w *writeLoop) writeHeaders(c headersFrame) error {
	w.hbuf.Reset()
	for _, f := range c.fields {
		if err := w.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := w.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > w.maxFrameSize {
			chunk = chunk[:w.maxFrameSize]
		}
		block = block[len(chunk):]
		var err error
		if first {
			err = w.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      c.streamID,
				BlockFragment: chunk,
				EndStream:     c.endStream,
				EndHeaders:    len(block) == 0,
			})
			first = false
		} else {
			err = w.framer.WriteContinuation(c.streamID, len(block) == 0, chunk)
		}
		if err != nil {
			return err
		}
	}
	if c.onWrite != nil {
		c.onWrite()
	}
	return nil
}

// flushStream writes as much of the stream's pending data as both windows
// admit, then any parked trailers.
func (w *writeLoop) flushStream(s *outStream) error {
	for len(s.pending) > 0 {
		df := &s.pending[0]
		if len(df.data) == 0 {
			// empty frame, possibly carrying endStream
			if err := w.framer.WriteData(s.id, df.endStream, nil); err != nil {
				return err
			}
			s.pending = s.pending[1:]
			continue
		}
		chunk := int64(len(df.data))
		if chunk > int64(w.maxFrameSize) {
			chunk = int64(w.maxFrameSize)
		}
		if chunk > s.quota {
			chunk = s.quota
		}
		if chunk > w.sendQuota {
			chunk = w.sendQuota
		}
		if chunk <= 0 {
			// blocked on flow control; a WINDOW_UPDATE will resume
			return nil
		}
		last := int64(len(df.data)) == chunk
		if err := w.framer.WriteData(s.id, df.endStream && last, df.data[:chunk]); err != nil {
			return err
		}
		s.quota -= chunk
		w.sendQuota -= chunk
		df.data = df.data[chunk:]
		if last {
			s.pending = s.pending[1:]
		}
	}
	if s.trailers != nil {
		hf := *s.trailers
		s.trailers = nil
		return w.writeHeaders(hf)
	}
	return nil
}

func (w *writeLoop) flushAll() error {
	for _, s := range w.streams {
		if err := w.flushStream(s); err != nil {
			return err
		}
	}
	return nil
}
