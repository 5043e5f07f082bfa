package remote

import (
	"io"
	"strings"
	"syscall"

	"github.com/BK1603/nix/common"
	"github.com/BK1603/nix/store"
	"github.com/BK1603/nix/wire"
	"github.com/pkg/errors"
)

// AddCAToStore ingests dump into the store under a content address and
// returns the daemon's metadata for the resulting path. On modern daemons
// the body travels as a framed upload; older ones get the method-specific
// legacy operations.
func (s *RemoteStore) AddCAToStore(dump io.Reader, name string, method store.ContentAddressMethod,
	references []store.Path, repair bool) (info *store.ValidPathInfo, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	c := h.conn

	if protocolMinor(c.daemonVersion) >= 25 {
		if err = writeOp(c, opAddToStore); err != nil {
			return nil, err
		}
		if err = wire.WriteString(c.to, name); err != nil {
			return nil, err
		}
		if err = wire.WriteString(c.to, store.RenderContentAddressMethod(method)); err != nil {
			return nil, err
		}
		if err = s.writeStorePaths(c, references); err != nil {
			return nil, err
		}
		if err = wire.WriteBool(c.to, repair); err != nil {
			return nil, err
		}

		if err = h.withFramedSink(func(sink io.Writer) error {
			_, cerr := io.Copy(sink, dump)
			return cerr
		}); err != nil {
			return nil, err
		}

		raw, err := wire.ReadString(c.from)
		if err != nil {
			return nil, err
		}
		path, err := s.store.ParseStorePath(raw)
		if err != nil {
			return nil, common.NewStoreErrorf(common.ProtocolError, "daemon sent bad store path '%s': %v", raw, err)
		}
		return s.readValidPathInfo(c, path)
	}

	if repair {
		err = common.NewStoreError(common.ProtocolError, "repairing is not supported when building through a daemon protocol older than 1.25")
		return nil, err
	}

	switch m := method.(type) {

	case store.TextIngestionMethod:
		contents, rerr := io.ReadAll(dump)
		if rerr != nil {
			err = errors.WithStack(rerr)
			return nil, err
		}
		if err = writeOp(c, opAddTextToStore); err != nil {
			return nil, err
		}
		if err = wire.WriteString(c.to, name); err != nil {
			return nil, err
		}
		if err = wire.WriteBytes(c.to, contents); err != nil {
			return nil, err
		}
		if err = s.writeStorePaths(c, references); err != nil {
			return nil, err
		}
		if err = h.processStderr(nil, nil, true); err != nil {
			return nil, err
		}

	case store.FixedOutputIngestionMethod:
		if err = writeOp(c, opAddToStore); err != nil {
			return nil, err
		}
		if err = wire.WriteString(c.to, name); err != nil {
			return nil, err
		}
		// Two flags kept for backwards compatibility with very old
		// daemons: "not the default hash", then "recursive".
		compat := uint64(1)
		if m.HashAlgo == "sha256" && m.Recursive {
			compat = 0
		}
		if err = wire.WriteUint64(c.to, compat); err != nil {
			return nil, err
		}
		recursive := uint64(0)
		if m.Recursive {
			recursive = 1
		}
		if err = wire.WriteUint64(c.to, recursive); err != nil {
			return nil, err
		}
		if err = wire.WriteString(c.to, m.HashAlgo); err != nil {
			return nil, err
		}

		// The dump can take a while. Widen the pool so this slot is not
		// held against other callers.
		s.pool.incCapacity()
		serr := s.streamDump(c, dump, m.Recursive)
		s.pool.decCapacity()
		if serr != nil {
			if errors.Is(serr, syscall.EPIPE) {
				// The daemon hung up mid-upload, probably after reporting
				// why. Drain the control stream to find out; if it only
				// yields the closed stream, report the broken pipe.
				if derr := h.processStderr(nil, nil, true); derr != nil && common.IsDaemonError(derr) {
					err = derr
					return nil, err
				}
			}
			err = common.NewStoreErrorf(common.TransportError, "writing dump to daemon failed: %v", serr)
			return nil, err
		}
		if err = h.processStderr(nil, nil, true); err != nil {
			return nil, err
		}

	default:
		err = common.NewStoreErrorf(common.InternalError, "unknown content address method %T", method)
		return nil, err
	}

	raw, rerr := wire.ReadString(c.from)
	if rerr != nil {
		err = rerr
		return nil, err
	}
	path, perr := s.store.ParseStorePath(raw)
	if perr != nil {
		err = common.NewStoreErrorf(common.ProtocolError, "daemon sent bad store path '%s': %v", raw, perr)
		return nil, err
	}
	// Release before querying the path info: that query checks out a
	// connection of its own.
	h.release(nil)
	return s.QueryPathInfo(path)
}

// streamDump sends the object body in the legacy AddToStore encoding: the
// raw NAR for recursive ingestion, a length-prefixed blob otherwise.
func (s *RemoteStore) streamDump(c *connection, dump io.Reader, recursive bool) error {
	if recursive {
		_, err := io.Copy(c.to, dump)
		return err
	}
	contents, err := io.ReadAll(dump)
	if err != nil {
		return err
	}
	return wire.WriteBytes(c.to, contents)
}

// AddToStoreFromDump is AddCAToStore without references, returning just the
// resulting path.
func (s *RemoteStore) AddToStoreFromDump(dump io.Reader, name string, method store.ContentAddressMethod, repair bool) (store.Path, error) {
	info, err := s.AddCAToStore(dump, name, method, nil, repair)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// AddTextToStore is AddCAToStore for flat text content.
func (s *RemoteStore) AddTextToStore(name, contents string, references []store.Path, repair bool) (store.Path, error) {
	info, err := s.AddCAToStore(strings.NewReader(contents), name, store.TextIngestionMethod{}, references, repair)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// AddToStore registers a path whose metadata is already known, shipping its
// NAR serialisation from source.
func (s *RemoteStore) AddToStore(info *store.ValidPathInfo, source io.Reader, repair, checkSigs bool) (err error) {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	defer func() { h.release(err) }()
	c := h.conn

	if protocolMinor(c.daemonVersion) < 18 {
		return s.importPath(h, info, source)
	}

	if err = writeOp(c, opAddToStoreNar); err != nil {
		return err
	}
	if err = wire.WriteString(c.to, s.store.PrintStorePath(info.Path)); err != nil {
		return err
	}
	deriver := ""
	if info.Deriver != nil {
		deriver = s.store.PrintStorePath(*info.Deriver)
	}
	if err = wire.WriteString(c.to, deriver); err != nil {
		return err
	}
	if err = wire.WriteString(c.to, info.NarHash); err != nil {
		return err
	}
	if err = s.writeStorePaths(c, info.References); err != nil {
		return err
	}
	if err = wire.WriteUint64(c.to, uint64(info.RegistrationTime)); err != nil {
		return err
	}
	if err = wire.WriteUint64(c.to, uint64(info.NarSize)); err != nil {
		return err
	}
	if err = wire.WriteBool(c.to, info.Ultimate); err != nil {
		return err
	}
	if err = wire.WriteStrings(c.to, info.Sigs); err != nil {
		return err
	}
	if err = wire.WriteString(c.to, s.store.RenderContentAddress(info.CA)); err != nil {
		return err
	}
	if err = wire.WriteBool(c.to, repair); err != nil {
		return err
	}
	if err = wire.WriteBool(c.to, !checkSigs); err != nil {
		return err
	}

	switch {
	case protocolMinor(c.daemonVersion) >= 23:
		err = h.withFramedSink(func(sink io.Writer) error {
			return s.copyNAR(sink, source)
		})
	case protocolMinor(c.daemonVersion) >= 21:
		// The daemon pulls the body itself through READ requests.
		err = h.processStderr(nil, source, true)
	default:
		if err = s.copyNAR(c.to, source); err != nil {
			return err
		}
		err = h.processStderr(nil, nil, true)
	}
	return err
}

// importPath feeds one path to a pre-18 daemon with the export framing the
// import operation expects, answering the daemon's READ requests from a
// pipe filled by a writer goroutine.
func (s *RemoteStore) importPath(h *connHandle, info *store.ValidPathInfo, source io.Reader) (err error) {
	c := h.conn
	if err = writeOp(c, opImportPaths); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	defer func() {
		_ = pr.Close()
	}()
	common.Go(func() {
		werr := func() error {
			if err := wire.WriteUint64(pw, 1); err != nil { // a path follows
				return err
			}
			if err := s.copyNAR(pw, source); err != nil {
				return err
			}
			if err := wire.WriteUint64(pw, exportMagic); err != nil {
				return err
			}
			if err := wire.WriteString(pw, s.store.PrintStorePath(info.Path)); err != nil {
				return err
			}
			if err := wire.WriteUint64(pw, uint64(len(info.References))); err != nil {
				return err
			}
			for _, ref := range info.References {
				if err := wire.WriteString(pw, s.store.PrintStorePath(ref)); err != nil {
					return err
				}
			}
			deriver := ""
			if info.Deriver != nil {
				deriver = s.store.PrintStorePath(*info.Deriver)
			}
			if err := wire.WriteString(pw, deriver); err != nil {
				return err
			}
			if err := wire.WriteUint64(pw, 0); err != nil { // no legacy signature
				return err
			}
			return wire.WriteUint64(pw, 0) // no more paths
		}()
		pw.CloseWithError(werr)
	})

	if err = h.processStderr(nil, pr, true); err != nil {
		return err
	}

	imported, err := s.readStorePaths(c)
	if err != nil {
		return err
	}
	if len(imported) > 1 {
		return common.NewStoreErrorf(common.ProtocolError, "daemon imported %d paths, expected at most one", len(imported))
	}
	return nil
}
