package remote

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BK1603/nix/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testStore is the trivial path codec the tests run against: printed form
// and token are the same string, validated by prefix.
type testStore struct {
	queryMissingCalled  atomic.Bool
	invalidatedCache    atomic.Bool
	derivationOutputMap map[string]*store.Path
}

const testStoreDir = "/store/"

func (s *testStore) ParseStorePath(raw string) (store.Path, error) {
	if len(raw) <= len(testStoreDir) || raw[:len(testStoreDir)] != testStoreDir {
		return "", errors.Errorf("'%s' is not a store path", raw)
	}
	return store.Path(raw), nil
}

func (s *testStore) PrintStorePath(p store.Path) string {
	return string(p)
}

func (s *testStore) ParseContentAddressOpt(raw string) (*store.ContentAddress, error) {
	if raw == "" {
		return nil, nil
	}
	ca := store.ContentAddress(raw)
	return &ca, nil
}

func (s *testStore) RenderContentAddress(ca *store.ContentAddress) string {
	if ca == nil {
		return ""
	}
	return string(*ca)
}

func (s *testStore) DerivationOutputs(p store.Path) ([]store.Path, error) {
	return []store.Path{p + "-out"}, nil
}

func (s *testStore) DerivationOutputMap(p store.Path) (map[string]*store.Path, error) {
	return s.derivationOutputMap, nil
}

func (s *testStore) QueryMissing(targets []store.DerivedPath) (store.MissingInfo, error) {
	s.queryMissingCalled.Store(true)
	return store.MissingInfo{}, nil
}

func (s *testStore) InvalidatePathInfoCache() {
	s.invalidatedCache.Store(true)
}

// testCopyNAR frames archives as a length-prefixed blob so tests can tell
// where one ends on an open stream.
func testCopyNAR(dst io.Writer, src io.Reader) error {
	br, ok := src.(*bufio.Reader)
	if !ok {
		// Whole-source copy with a leading length.
		b, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		var hdr [8]byte
		binary.LittleEndian.PutUint64(hdr[:], uint64(len(b)))
		if _, err := dst.Write(hdr[:]); err != nil {
			return err
		}
		_, err = dst.Write(b)
		return err
	}
	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if _, err := dst.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.CopyN(dst, br, int64(n))
	return err
}

// recordingLogger captures activity events in arrival order.
type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) StartActivity(act uint64, level uint32, activityType uint32, text string, fields []store.Field, parent uint64) {
	l.record("start", act, text)
}

func (l *recordingLogger) StopActivity(act uint64) {
	l.record("stop", act, "")
}

func (l *recordingLogger) Result(act uint64, resultType uint32, fields []store.Field) {
	l.record("result", act, "")
}

func (l *recordingLogger) record(kind string, act uint64, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, eventKey(kind, act, text))
}

func (l *recordingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func eventKey(kind string, act uint64, text string) string {
	return fmt.Sprintf("%s:%d:%s", kind, act, text)
}

// daemonConn is the server end of one accepted connection, with helpers
// mirroring the wire framing.
type daemonConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (c *daemonConn) readInt() uint64 {
	var buf [8]byte
	_, err := io.ReadFull(c.r, buf[:])
	require.NoError(c.t, err)
	return binary.LittleEndian.Uint64(buf[:])
}

// tryReadInt is readInt that tolerates the client hanging up.
func (c *daemonConn) tryReadInt() (uint64, bool) {
	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (c *daemonConn) writeInt(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := c.w.Write(buf[:])
	require.NoError(c.t, err)
}

func (c *daemonConn) readString() string {
	n := int(c.readInt())
	buf := make([]byte, n+(8-n%8)%8)
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return string(buf[:n])
}

func (c *daemonConn) writeString(s string) {
	c.writeInt(uint64(len(s)))
	_, err := c.w.Write([]byte(s))
	require.NoError(c.t, err)
	pad := (8 - len(s)%8) % 8
	if pad > 0 {
		var zeros [8]byte
		_, err := c.w.Write(zeros[:pad])
		require.NoError(c.t, err)
	}
}

func (c *daemonConn) writeStrings(ss ...string) {
	c.writeInt(uint64(len(ss)))
	for _, s := range ss {
		c.writeString(s)
	}
}

func (c *daemonConn) readStrings() []string {
	n := int(c.readInt())
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ss = append(ss, c.readString())
	}
	return ss
}

func (c *daemonConn) last() {
	c.writeInt(stderrLast)
}

func (c *daemonConn) flush() {
	require.NoError(c.t, c.w.Flush())
}

// readFramed consumes a framed upload until its zero-length terminator.
func (c *daemonConn) readFramed() []byte {
	var out []byte
	for {
		n := int(c.readInt())
		if n == 0 {
			return out
		}
		buf := make([]byte, n)
		_, err := io.ReadFull(c.r, buf)
		require.NoError(c.t, err)
		out = append(out, buf...)
	}
}

// testDaemon accepts connections on a unix socket and performs the server
// side of the handshake, then hands each request opcode to the script.
type testDaemon struct {
	t         *testing.T
	listener  net.Listener
	version   uint64
	script    func(c *daemonConn, o uint64)
	onOptions func(header []uint64, overrides map[string]string)
	accepted  atomic.Int64
	wg        sync.WaitGroup
	path      string
}

func newTestDaemon(t *testing.T, version uint64, script func(c *daemonConn, o uint64)) *testDaemon {
	path := filepath.Join(os.TempDir(), "nixd-"+uuid.New().String()[:13]+".sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	d := &testDaemon{t: t, listener: l, version: version, script: script, path: path}
	d.wg.Add(1)
	go d.acceptLoop()
	return d
}

func (d *testDaemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.accepted.Add(1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serve(conn)
		}()
	}
}

func (d *testDaemon) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	c := &daemonConn{t: d.t, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}

	magic, ok := c.tryReadInt()
	if !ok {
		return
	}
	require.Equal(d.t, uint64(workerMagic1), magic)
	c.writeInt(workerMagic2)
	c.writeInt(d.version)
	c.flush()
	// The client hangs up here when it rejects our version.
	clientVersion, ok := c.tryReadInt()
	if !ok {
		return
	}
	require.Equal(d.t, uint64(protocolVersion), clientVersion)
	minor := d.version & 0xff
	if minor >= 14 {
		if c.readInt() == 1 {
			c.readInt() // pinned cpu
		}
	}
	if minor >= 11 {
		c.readInt() // reserved
	}
	c.last()
	c.flush()

	// Options header.
	o := c.readInt()
	require.Equal(d.t, uint64(opSetOptions), o)
	header := make([]uint64, 12)
	for i := range header {
		header[i] = c.readInt()
	}
	overrides := map[string]string{}
	if minor >= 12 {
		n := int(c.readInt())
		for i := 0; i < n; i++ {
			name := c.readString()
			overrides[name] = c.readString()
		}
	}
	if d.onOptions != nil {
		d.onOptions(header, overrides)
	}
	c.last()
	c.flush()

	for {
		o, ok := c.tryReadInt()
		if !ok {
			return
		}
		d.script(c, o)
	}
}

func (d *testDaemon) Close() {
	_ = d.listener.Close()
	d.wg.Wait()
	_ = os.Remove(d.path)
}
