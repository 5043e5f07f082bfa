package remote

import (
	"bufio"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BK1603/nix/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// pipeConnection builds a connection over an in-memory pipe, skipping the
// handshake. Good enough for exercising the pool itself.
func pipeConnection() *connection {
	client, server := net.Pipe()
	_ = server.Close()
	return &connection{
		conn:      client,
		from:      bufio.NewReader(client),
		to:        bufio.NewWriter(client),
		startTime: time.Now(),
	}
}

func TestPoolReusesIdleConnection(t *testing.T) {
	var created atomic.Int64
	p := newPool(1, func() (*connection, error) {
		created.Add(1)
		return pipeConnection(), nil
	}, 0)

	c1, err := p.get()
	require.NoError(t, err)
	p.put(c1, false)
	c2, err := p.get()
	require.NoError(t, err)
	require.Same(t, c1, c2)
	p.put(c2, false)
	require.Equal(t, int64(1), created.Load())
}

func TestPoolCapacityBound(t *testing.T) {
	var live atomic.Int64
	var maxLive atomic.Int64
	p := newPool(2, func() (*connection, error) {
		n := live.Add(1)
		for {
			prev := maxLive.Load()
			if n <= prev || maxLive.CompareAndSwap(prev, n) {
				break
			}
		}
		return pipeConnection(), nil
	}, 0)

	c1, err := p.get()
	require.NoError(t, err)
	c2, err := p.get()
	require.NoError(t, err)
	require.Equal(t, 2, p.count())

	// A third caller waits for a checkin instead of dialing.
	acquired := make(chan *connection)
	go func() {
		c, err := p.get()
		require.NoError(t, err)
		acquired <- c
	}()
	select {
	case <-acquired:
		t.Fatal("third acquisition should have blocked at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.put(c1, false)
	c3 := <-acquired
	require.Same(t, c1, c3)
	p.put(c2, false)
	p.put(c3, false)
	require.Equal(t, int64(2), maxLive.Load())
}

func TestPoolFailureIsPermanent(t *testing.T) {
	var calls atomic.Int64
	p := newPool(1, func() (*connection, error) {
		calls.Add(1)
		return nil, common.NewStoreError(common.TransportError, "dial failed")
	}, 0)

	_, err := p.get()
	require.True(t, common.IsStoreErrorWithCode(err, common.TransportError))

	_, err = p.get()
	require.True(t, common.IsStoreErrorWithCode(err, common.PoolFailed))
	require.Equal(t, int64(1), calls.Load())
}

func TestPoolDropsBadConnection(t *testing.T) {
	p := newPool(1, func() (*connection, error) {
		return pipeConnection(), nil
	}, 0)

	c, err := p.get()
	require.NoError(t, err)
	p.put(c, true)
	require.Equal(t, 0, p.count())
}

func TestPoolDropsStaleConnectionOnCheckin(t *testing.T) {
	p := newPool(1, func() (*connection, error) {
		return pipeConnection(), nil
	}, 20*time.Millisecond)

	c, err := p.get()
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	p.put(c, false)
	require.Equal(t, 0, p.count())
}

func TestPoolFlushBad(t *testing.T) {
	p := newPool(1, func() (*connection, error) {
		return pipeConnection(), nil
	}, 20*time.Millisecond)

	c, err := p.get()
	require.NoError(t, err)
	p.put(c, false)
	require.Equal(t, 1, p.count())
	time.Sleep(40 * time.Millisecond)
	p.flushBad()
	require.Equal(t, 0, p.count())
}

func TestPoolIncCapacity(t *testing.T) {
	p := newPool(1, func() (*connection, error) {
		return pipeConnection(), nil
	}, 0)

	c1, err := p.get()
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		c2, err := p.get()
		require.NoError(t, err)
		close(acquired)
		p.put(c2, false)
	}()
	select {
	case <-acquired:
		t.Fatal("acquisition should have blocked at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.incCapacity()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("widened pool did not admit the waiter")
	}
	p.decCapacity()
	p.put(c1, false)
}

func TestHandleReleaseMarksBad(t *testing.T) {
	p := newPool(1, func() (*connection, error) {
		return pipeConnection(), nil
	}, 0)

	h := &connHandle{pool: p}
	var err error
	h.conn, err = p.get()
	require.NoError(t, err)

	// A transport failure without a daemon report drops the connection.
	h.release(errors.New("mid-frame failure"))
	require.Equal(t, 0, p.count())

	h = &connHandle{pool: p}
	h.conn, err = p.get()
	require.NoError(t, err)
	h.daemonException = true
	h.release(common.NewDaemonError("boom", 1))
	require.Equal(t, 1, p.count())
}
