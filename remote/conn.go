package remote

import (
	"bufio"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/BK1603/nix/common"
	"github.com/BK1603/nix/conf"
	log "github.com/BK1603/nix/logger"
	"github.com/BK1603/nix/store"
	"github.com/BK1603/nix/wire"
	"github.com/pkg/errors"
)

const dialTimeout = 5 * time.Second

// ownedSettings are expressed by the options header and must not be sent
// again in the override map. show-trace is client-side only.
var ownedSettings = map[string]struct{}{
	"keep-failed":     {},
	"keep-going":      {},
	"fallback":        {},
	"max-jobs":        {},
	"max-silent-time": {},
	"cores":           {},
	"substitute":      {},
	"show-trace":      {},
}

// connection owns one daemon socket. Between requests both halves of the
// stream sit at a message boundary; while a request is in flight only one
// goroutine reads from it at a time.
type connection struct {
	conn          net.Conn
	from          *bufio.Reader
	to            *bufio.Writer
	daemonVersion uint32
	startTime     time.Time
	activities    store.ActivityLogger
}

func dialDaemon(socketPath string) (net.Conn, error) {
	nc, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, common.NewStoreErrorf(common.TransportError, "cannot connect to daemon at '%s': %v", socketPath, err)
	}
	return nc, nil
}

func newConnection(socketPath string, cfg *conf.Config, activities store.ActivityLogger) (*connection, error) {
	nc, err := dialDaemon(socketPath)
	if err != nil {
		return nil, err
	}
	c := &connection{
		conn:       nc,
		from:       bufio.NewReader(nc),
		to:         bufio.NewWriter(nc),
		startTime:  time.Now(),
		activities: activities,
	}
	if err := c.handshake(cfg); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *connection) handshake(cfg *conf.Config) error {
	if err := wire.WriteUint64(c.to, workerMagic1); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	magic, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	if magic != workerMagic2 {
		return common.NewStoreError(common.ProtocolError, "protocol mismatch")
	}
	c.daemonVersion, err = wire.ReadUint32(c.from)
	if err != nil {
		return err
	}
	if protocolMajor(c.daemonVersion) != protocolMajor(protocolVersion) {
		return common.NewStoreError(common.ProtocolError, "daemon protocol version not supported")
	}
	if protocolMinor(c.daemonVersion) < minDaemonMinor {
		return common.NewStoreError(common.ProtocolError, "the daemon version is too old")
	}
	if err := wire.WriteUint64(c.to, protocolVersion); err != nil {
		return err
	}

	if protocolMinor(c.daemonVersion) >= 14 {
		// CPU pinning hint. Advisory, and there is no portable way to ask
		// which CPU we run on, so tell the daemon we have no pin.
		if err := wire.WriteUint64(c.to, 0); err != nil {
			return err
		}
	}

	if protocolMinor(c.daemonVersion) >= 11 {
		// Historically the reserve-space flag.
		if err := wire.WriteBool(c.to, false); err != nil {
			return err
		}
	}

	if err := c.processStderr(nil, nil, true); err != nil {
		return err
	}

	return c.setOptions(cfg)
}

func (c *connection) setOptions(cfg *conf.Config) error {
	buildVerbosity := lvlVomit
	if cfg.VerboseBuild {
		buildVerbosity = lvlError
	}
	for _, v := range []uint64{uint64(opSetOptions),
		boolWord(cfg.KeepFailed),
		boolWord(cfg.KeepGoing),
		boolWord(cfg.TryFallback),
		uint64(cfg.Verbosity),
		uint64(cfg.MaxBuildJobs),
		uint64(cfg.MaxSilentTime),
		1, // obsolete use-build-hook
		buildVerbosity,
		0, // obsolete log type
		0, // obsolete print build trace
		uint64(cfg.BuildCores),
		boolWord(cfg.UseSubstitutes),
	} {
		if err := wire.WriteUint64(c.to, v); err != nil {
			return err
		}
	}

	if protocolMinor(c.daemonVersion) >= 12 {
		names := make([]string, 0, len(cfg.Settings))
		for name := range cfg.Settings {
			if _, owned := ownedSettings[name]; owned {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if err := wire.WriteUint64(c.to, uint64(len(names))); err != nil {
			return err
		}
		for _, name := range names {
			if err := wire.WriteString(c.to, name); err != nil {
				return err
			}
			if err := wire.WriteString(c.to, cfg.Settings[name]); err != nil {
				return err
			}
		}
	}

	return c.processStderr(nil, nil, true)
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// processStderr drains the control stream the daemon interleaves with a
// reply. A daemon-reported error is held until the terminator so the wire is
// left at a message boundary, then returned. Any other failure is returned
// immediately and leaves the stream position undefined.
func (c *connection) processStderr(sink io.Writer, source io.Reader, flush bool) error {
	if flush {
		if err := c.flush(); err != nil {
			return err
		}
	}

	var daemonErr error

	for {
		tag, err := wire.ReadUint64(c.from)
		if err != nil {
			return err
		}

		switch tag {

		case stderrWrite:
			b, err := wire.ReadBytes(c.from)
			if err != nil {
				return err
			}
			if sink == nil {
				return common.NewStoreError(common.ProtocolError, "no sink")
			}
			if _, err := sink.Write(b); err != nil {
				return errors.WithStack(err)
			}

		case stderrRead:
			if source == nil {
				return common.NewStoreError(common.ProtocolError, "no source")
			}
			n, err := wire.ReadCount(c.from)
			if err != nil {
				return err
			}
			buf := make([]byte, n)
			k, rerr := source.Read(buf)
			if k == 0 && rerr != nil {
				return errors.WithStack(rerr)
			}
			if err := wire.WriteBytes(c.to, buf[:k]); err != nil {
				return err
			}
			if err := c.flush(); err != nil {
				return err
			}

		case stderrError:
			msg, err := wire.ReadString(c.from)
			if err != nil {
				return err
			}
			status, err := wire.ReadUint64(c.from)
			if err != nil {
				return err
			}
			if daemonErr == nil {
				daemonErr = common.NewDaemonError(msg, int(status))
			}

		case stderrNext:
			s, err := wire.ReadString(c.from)
			if err != nil {
				return err
			}
			log.Errorf("%s", strings.TrimRight(s, "\n"))

		case stderrStartActivity:
			act, err := wire.ReadUint64(c.from)
			if err != nil {
				return err
			}
			level, err := wire.ReadUint32(c.from)
			if err != nil {
				return err
			}
			activityType, err := wire.ReadUint32(c.from)
			if err != nil {
				return err
			}
			text, err := wire.ReadString(c.from)
			if err != nil {
				return err
			}
			fields, err := readFields(c.from)
			if err != nil {
				return err
			}
			parent, err := wire.ReadUint64(c.from)
			if err != nil {
				return err
			}
			c.activities.StartActivity(act, level, activityType, text, fields, parent)

		case stderrStopActivity:
			act, err := wire.ReadUint64(c.from)
			if err != nil {
				return err
			}
			c.activities.StopActivity(act)

		case stderrResult:
			act, err := wire.ReadUint64(c.from)
			if err != nil {
				return err
			}
			resultType, err := wire.ReadUint32(c.from)
			if err != nil {
				return err
			}
			fields, err := readFields(c.from)
			if err != nil {
				return err
			}
			c.activities.Result(act, resultType, fields)

		case stderrLast:
			return daemonErr

		default:
			return common.NewStoreErrorf(common.ProtocolError, "got unknown message type %#x from daemon", tag)
		}
	}
}

func readFields(r io.Reader) ([]store.Field, error) {
	n, err := wire.ReadCount(r)
	if err != nil {
		return nil, err
	}
	fields := make([]store.Field, 0, n)
	for i := 0; i < n; i++ {
		fieldType, err := wire.ReadUint64(r)
		if err != nil {
			return nil, err
		}
		switch store.FieldType(fieldType) {
		case store.FieldInt:
			v, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, store.IntField(v))
		case store.FieldString:
			s, err := wire.ReadString(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, store.StringField(s))
		default:
			return nil, common.NewStoreErrorf(common.ProtocolError, "got unsupported field type %x from daemon", fieldType)
		}
	}
	return fields, nil
}

func (c *connection) flush() error {
	if err := c.to.Flush(); err != nil {
		return common.NewStoreErrorf(common.TransportError, "write to daemon failed: %v", err)
	}
	return nil
}

func (c *connection) age() time.Duration {
	return time.Since(c.startTime)
}

// close flushes best-effort and releases the socket.
func (c *connection) close() {
	_ = c.to.Flush()
	if err := c.conn.Close(); err != nil {
		// Ignore
	}
}
