package wire

import (
	"bufio"
	"encoding/binary"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ErrorSlot carries the first failure seen by either side of a framed
// upload: the sink writing chunks, or the goroutine draining daemon log
// traffic on the same connection. First error wins.
type ErrorSlot struct {
	mu  sync.Mutex
	err error
}

func (s *ErrorSlot) Set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *ErrorSlot) Get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FramedSink chops a byte stream into length-prefixed chunks. A zero-length
// chunk, written on Close, terminates the stream. Once the shared slot holds
// an error all further writes fail with it, so a rejected upload cannot
// deadlock against a daemon that has stopped reading.
type FramedSink struct {
	to   *bufio.Writer
	slot *ErrorSlot
}

func NewFramedSink(to *bufio.Writer, slot *ErrorSlot) *FramedSink {
	return &FramedSink{to: to, slot: slot}
}

func (f *FramedSink) Write(p []byte) (int, error) {
	if err := f.slot.Get(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	// Stage header and payload together so each chunk hits the writer once.
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = binary.LittleEndian.AppendUint64(buf.B, uint64(len(p)))
	buf.B = append(buf.B, p...)
	if _, err := f.to.Write(buf.B); err != nil {
		return 0, writeErr(err)
	}
	return len(p), nil
}

// Close writes the end-of-stream marker and flushes. The marker goes out
// even when the slot already holds an error: the daemon's framed reader
// needs it to regain the message boundary. A pending drain-side error takes
// precedence over the outcome of the final write.
func (f *FramedSink) Close() error {
	werr := WriteUint64(f.to, 0)
	if werr == nil {
		if err := f.to.Flush(); err != nil {
			werr = writeErr(err)
		}
	}
	if err := f.slot.Get(); err != nil {
		return err
	}
	return werr
}
