package remote

import (
	"io"

	"github.com/BK1603/nix/common"
	"github.com/BK1603/nix/wire"
	"golang.org/x/sync/errgroup"
)

// connHandle is a scoped checkout of one pooled connection. Release it with
// the request's outcome: a failure the daemon did not report itself means
// the wire may have been left mid-frame, so the connection is dropped
// rather than reused.
type connHandle struct {
	pool            *pool
	conn            *connection
	daemonException bool
	released        bool
}

func (s *RemoteStore) getConnection() (*connHandle, error) {
	c, err := s.pool.get()
	if err != nil {
		return nil, err
	}
	return &connHandle{pool: s.pool, conn: c}, nil
}

// release is idempotent; request methods defer it with their named error.
func (h *connHandle) release(err error) {
	if h.released {
		return
	}
	h.released = true
	bad := err != nil && !h.daemonException
	h.pool.put(h.conn, bad)
}

// processStderr drains the control stream and remembers whether a failure
// was the daemon's own report, which leaves the protocol in sync.
func (h *connHandle) processStderr(sink io.Writer, source io.Reader, flush bool) error {
	err := h.conn.processStderr(sink, source, flush)
	if err != nil && common.IsDaemonError(err) {
		h.daemonException = true
	}
	return err
}

// withFramedSink ships a large request body as length-prefixed chunks while
// a helper goroutine drains daemon log traffic on the same connection;
// without the helper a daemon that logs while receiving would deadlock the
// upload. The helper parks its error in the slot shared with the sink so
// the writer stops as soon as the daemon has rejected the request. The
// helper is joined on every exit path.
func (h *connHandle) withFramedSink(fun func(sink io.Writer) error) error {
	if err := h.conn.flush(); err != nil {
		return err
	}

	var slot wire.ErrorSlot
	var g errgroup.Group
	g.Go(func() error {
		if err := h.processStderr(nil, nil, false); err != nil {
			slot.Set(err)
			return err
		}
		return nil
	})

	sink := wire.NewFramedSink(h.conn.to, &slot)
	err := fun(sink)
	// The terminator goes out even after a failure so the daemon stops
	// waiting for chunks and the helper can reach the end of the stream.
	cerr := sink.Close()
	if err == nil {
		err = cerr
	}

	werr := g.Wait()
	if err != nil {
		return err
	}
	return werr
}
