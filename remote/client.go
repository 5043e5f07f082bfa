package remote

import (
	"io"
	"sort"
	"strings"

	"github.com/BK1603/nix/common"
	"github.com/BK1603/nix/conf"
	"github.com/BK1603/nix/store"
	"github.com/BK1603/nix/wire"
	"github.com/pkg/errors"
)

// RemoteStore talks to a build daemon over its unix socket. Methods may be
// called from multiple goroutines; concurrency comes from checking out
// distinct connections, never from sharing one.
type RemoteStore struct {
	cfg          conf.Config
	store        store.Store
	activities   store.ActivityLogger
	copyNAR      store.NARCopier
	pool         *pool
	explicitPath bool
}

func NewRemoteStore(cfg conf.Config, st store.Store, activities store.ActivityLogger, copyNAR store.NARCopier) (*RemoteStore, error) {
	explicit := cfg.SocketPath != ""
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if activities == nil {
		activities = store.NopActivityLogger{}
	}
	s := &RemoteStore{
		cfg:          cfg,
		store:        st,
		activities:   activities,
		copyNAR:      copyNAR,
		explicitPath: explicit,
	}
	s.pool = newPool(cfg.MaxConnections, func() (*connection, error) {
		return newConnection(s.cfg.SocketPath, &s.cfg, s.activities)
	}, cfg.MaxConnectionAge)
	return s, nil
}

// URI names the store the way it was configured.
func (s *RemoteStore) URI() string {
	if s.explicitPath {
		return "unix://" + s.cfg.SocketPath
	}
	return "daemon"
}

// Connect forces a handshake without issuing a request.
func (s *RemoteStore) Connect() error {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	h.release(nil)
	return nil
}

// GetProtocol borrows a connection just to report the daemon's version.
func (s *RemoteStore) GetProtocol() (uint32, error) {
	h, err := s.getConnection()
	if err != nil {
		return 0, err
	}
	v := h.conn.daemonVersion
	h.release(nil)
	return v, nil
}

func (s *RemoteStore) FlushBadConnections() {
	s.pool.flushBad()
}

// Close drops the pooled connections. In-flight requests finish first.
func (s *RemoteStore) Close() {
	s.pool.close()
}

func writeOp(c *connection, o op) error {
	return wire.WriteUint64(c.to, uint64(o))
}

func (s *RemoteStore) writeStorePaths(c *connection, paths []store.Path) error {
	if err := wire.WriteUint64(c.to, uint64(len(paths))); err != nil {
		return err
	}
	for _, p := range paths {
		if err := wire.WriteString(c.to, s.store.PrintStorePath(p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RemoteStore) readStorePaths(c *connection) ([]store.Path, error) {
	ss, err := wire.ReadStrings(c.from)
	if err != nil {
		return nil, err
	}
	paths := make([]store.Path, 0, len(ss))
	for _, raw := range ss {
		p, err := s.store.ParseStorePath(raw)
		if err != nil {
			return nil, common.NewStoreErrorf(common.ProtocolError, "daemon sent bad store path '%s': %v", raw, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// readStorePathOpt decodes the optional-path convention: the empty string
// means absent.
func (s *RemoteStore) readStorePathOpt(c *connection) (*store.Path, error) {
	raw, err := wire.ReadString(c.from)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	p, err := s.store.ParseStorePath(raw)
	if err != nil {
		return nil, common.NewStoreErrorf(common.ProtocolError, "daemon sent bad store path '%s': %v", raw, err)
	}
	return &p, nil
}

func (s *RemoteStore) readValidPathInfo(c *connection, p store.Path) (*store.ValidPathInfo, error) {
	deriver, err := s.readStorePathOpt(c)
	if err != nil {
		return nil, err
	}
	narHash, err := wire.ReadString(c.from)
	if err != nil {
		return nil, err
	}
	info := &store.ValidPathInfo{Path: p, Deriver: deriver, NarHash: narHash}
	if info.References, err = s.readStorePaths(c); err != nil {
		return nil, err
	}
	regTime, err := wire.ReadUint64(c.from)
	if err != nil {
		return nil, err
	}
	narSize, err := wire.ReadUint64(c.from)
	if err != nil {
		return nil, err
	}
	info.RegistrationTime = int64(regTime)
	info.NarSize = int64(narSize)
	if protocolMinor(c.daemonVersion) >= 16 {
		if info.Ultimate, err = wire.ReadBool(c.from); err != nil {
			return nil, err
		}
		if info.Sigs, err = wire.ReadStrings(c.from); err != nil {
			return nil, err
		}
		rawCA, err := wire.ReadString(c.from)
		if err != nil {
			return nil, err
		}
		if info.CA, err = s.store.ParseContentAddressOpt(rawCA); err != nil {
			return nil, common.NewStoreErrorf(common.ProtocolError, "daemon sent bad content address '%s': %v", rawCA, err)
		}
	}
	return info, nil
}

func (s *RemoteStore) IsValidPath(p store.Path) (valid bool, err error) {
	h, err := s.getConnection()
	if err != nil {
		return false, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opIsValidPath); err != nil {
		return false, err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
		return false, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return false, err
	}
	n, err := wire.ReadUint64(h.conn.from)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// QueryValidPaths returns the subset of paths the daemon considers valid.
// The substitute flag is accepted for interface parity; daemons at this
// protocol version do not take it on the wire.
func (s *RemoteStore) QueryValidPaths(paths []store.Path, maybeSubstitute bool) (res []store.Path, err error) {
	_ = maybeSubstitute
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	if protocolMinor(h.conn.daemonVersion) < 12 {
		// Old daemons answer one path at a time. Let go of the connection
		// first; each probe checks one out itself.
		h.release(nil)
		for _, p := range paths {
			valid, err := s.IsValidPath(p)
			if err != nil {
				return nil, err
			}
			if valid {
				res = append(res, p)
			}
		}
		return res, nil
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opQueryValidPaths); err != nil {
		return nil, err
	}
	if err = s.writeStorePaths(h.conn, paths); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return s.readStorePaths(h.conn)
}

func (s *RemoteStore) QueryAllValidPaths() (res []store.Path, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opQueryAllValidPaths); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return s.readStorePaths(h.conn)
}

func (s *RemoteStore) QuerySubstitutablePaths(paths []store.Path) (res []store.Path, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	if protocolMinor(h.conn.daemonVersion) < 12 {
		for _, p := range paths {
			if err = writeOp(h.conn, opHasSubstitutes); err != nil {
				return nil, err
			}
			if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
				return nil, err
			}
			if err = h.processStderr(nil, nil, true); err != nil {
				return nil, err
			}
			n, err := wire.ReadUint64(h.conn.from)
			if err != nil {
				return nil, err
			}
			if n != 0 {
				res = append(res, p)
			}
		}
		return res, nil
	}
	if err = writeOp(h.conn, opQuerySubstitutablePaths); err != nil {
		return nil, err
	}
	if err = s.writeStorePaths(h.conn, paths); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return s.readStorePaths(h.conn)
}

func (s *RemoteStore) QuerySubstitutablePathInfos(paths map[store.Path]*store.ContentAddress) (infos map[store.Path]store.SubstitutablePathInfo, err error) {
	infos = map[store.Path]store.SubstitutablePathInfo{}
	if len(paths) == 0 {
		return infos, nil
	}
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()

	readInfoBody := func() (store.SubstitutablePathInfo, error) {
		var info store.SubstitutablePathInfo
		var err error
		if info.Deriver, err = s.readStorePathOpt(h.conn); err != nil {
			return info, err
		}
		if info.References, err = s.readStorePaths(h.conn); err != nil {
			return info, err
		}
		downloadSize, err := wire.ReadUint64(h.conn.from)
		if err != nil {
			return info, err
		}
		narSize, err := wire.ReadUint64(h.conn.from)
		if err != nil {
			return info, err
		}
		info.DownloadSize = int64(downloadSize)
		info.NarSize = int64(narSize)
		return info, nil
	}

	// Stable wire order regardless of map iteration.
	sorted := make([]store.Path, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return s.store.PrintStorePath(sorted[i]) < s.store.PrintStorePath(sorted[j])
	})

	if protocolMinor(h.conn.daemonVersion) < 12 {
		for _, p := range sorted {
			if err = writeOp(h.conn, opQuerySubstitutablePathInfo); err != nil {
				return nil, err
			}
			if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
				return nil, err
			}
			if err = h.processStderr(nil, nil, true); err != nil {
				return nil, err
			}
			found, err := wire.ReadUint64(h.conn.from)
			if err != nil {
				return nil, err
			}
			if found == 0 {
				continue
			}
			info, err := readInfoBody()
			if err != nil {
				return nil, err
			}
			infos[p] = info
		}
		return infos, nil
	}

	if err = writeOp(h.conn, opQuerySubstitutablePathInfos); err != nil {
		return nil, err
	}
	if protocolMinor(h.conn.daemonVersion) < 22 {
		if err = s.writeStorePaths(h.conn, sorted); err != nil {
			return nil, err
		}
	} else {
		if err = wire.WriteUint64(h.conn.to, uint64(len(sorted))); err != nil {
			return nil, err
		}
		for _, p := range sorted {
			if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
				return nil, err
			}
			if err = wire.WriteString(h.conn.to, s.store.RenderContentAddress(paths[p])); err != nil {
				return nil, err
			}
		}
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	count, err := wire.ReadCount(h.conn.from)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		raw, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		p, err := s.store.ParseStorePath(raw)
		if err != nil {
			return nil, common.NewStoreErrorf(common.ProtocolError, "daemon sent bad store path '%s': %v", raw, err)
		}
		info, err := readInfoBody()
		if err != nil {
			return nil, err
		}
		infos[p] = info
	}
	return infos, nil
}

// QueryPathInfo fetches the daemon's metadata for one path, bypassing any
// cache the surrounding store keeps.
func (s *RemoteStore) QueryPathInfo(p store.Path) (info *store.ValidPathInfo, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	printed := s.store.PrintStorePath(p)
	if err = writeOp(h.conn, opQueryPathInfo); err != nil {
		return nil, err
	}
	if err = wire.WriteString(h.conn.to, printed); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		// Daemons before minor 17 report invalidity as a generic error.
		// Recognising it by message is fragile but is what those daemons
		// give us to work with.
		var serr common.StoreError
		if errors.As(err, &serr) && serr.Code == common.DaemonError &&
			strings.Contains(serr.Msg, "is not valid") {
			err = common.StoreError{Code: common.InvalidPath, Msg: serr.Msg, Status: serr.Status}
		}
		return nil, err
	}
	if protocolMinor(h.conn.daemonVersion) >= 17 {
		valid, verr := wire.ReadBool(h.conn.from)
		if verr != nil {
			err = verr
			return nil, err
		}
		if !valid {
			// The reply terminated at a frame boundary; the connection is
			// still good.
			h.daemonException = true
			err = common.NewInvalidPathErrorf("path '%s' is not valid", printed)
			return nil, err
		}
	}
	return s.readValidPathInfo(h.conn, p)
}

func (s *RemoteStore) QueryReferrers(p store.Path) (res []store.Path, err error) {
	return s.queryPathList(opQueryReferrers, p)
}

func (s *RemoteStore) QueryValidDerivers(p store.Path) (res []store.Path, err error) {
	return s.queryPathList(opQueryValidDerivers, p)
}

func (s *RemoteStore) queryPathList(o op, p store.Path) (res []store.Path, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, o); err != nil {
		return nil, err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return s.readStorePaths(h.conn)
}

func (s *RemoteStore) QueryDerivationOutputs(p store.Path) (res []store.Path, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	if protocolMinor(h.conn.daemonVersion) >= 0x16 {
		// Newer daemons want this inferred from the derivation itself.
		h.release(nil)
		return s.store.DerivationOutputs(p)
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opQueryDerivationOutputs); err != nil {
		return nil, err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return s.readStorePaths(h.conn)
}

func (s *RemoteStore) QueryPartialDerivationOutputMap(p store.Path) (outputs map[string]*store.Path, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	if protocolMinor(h.conn.daemonVersion) < 0x16 {
		// Fallback for old daemons: infer from the derivation file. Paths
		// only known because they were built are missed, but daemons that
		// old cannot build such derivations in the first place.
		h.release(nil)
		return s.store.DerivationOutputMap(p)
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opQueryDerivationOutputMap); err != nil {
		return nil, err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	count, err := wire.ReadCount(h.conn.from)
	if err != nil {
		return nil, err
	}
	outputs = make(map[string]*store.Path, count)
	for i := 0; i < count; i++ {
		name, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		path, err := s.readStorePathOpt(h.conn)
		if err != nil {
			return nil, err
		}
		outputs[name] = path
	}
	return outputs, nil
}

func (s *RemoteStore) QueryPathFromHashPart(hashPart string) (res *store.Path, err error) {
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opQueryPathFromHashPart); err != nil {
		return nil, err
	}
	if err = wire.WriteString(h.conn.to, hashPart); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return s.readStorePathOpt(h.conn)
}

func (s *RemoteStore) BuildPaths(paths []store.DerivedPath, mode store.BuildMode) (err error) {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	defer func() { h.release(err) }()
	if protocolMinor(h.conn.daemonVersion) < 13 {
		return common.NewStoreError(common.ProtocolError, "the daemon is too old to build paths")
	}
	if err = writeOp(h.conn, opBuildPaths); err != nil {
		return err
	}
	ss := make([]string, 0, len(paths))
	for _, p := range paths {
		ss = append(ss, p.Render(s.store))
	}
	if err = wire.WriteStrings(h.conn.to, ss); err != nil {
		return err
	}
	if protocolMinor(h.conn.daemonVersion) >= 15 {
		if err = wire.WriteUint64(h.conn.to, uint64(mode)); err != nil {
			return err
		}
	} else if mode != store.BuildNormal {
		// Old daemons take no build mode, so only normal builds can be
		// expressed.
		return common.NewStoreError(common.ProtocolError, "repairing or checking is not supported when building through the daemon")
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

func (s *RemoteStore) BuildDerivation(drvPath store.Path, drv store.Derivation, mode store.BuildMode) (res store.BuildResult, err error) {
	h, err := s.getConnection()
	if err != nil {
		return res, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opBuildDerivation); err != nil {
		return res, err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(drvPath)); err != nil {
		return res, err
	}
	if err = drv.WriteDerivation(h.conn.to, s.store); err != nil {
		return res, err
	}
	if err = wire.WriteUint64(h.conn.to, uint64(mode)); err != nil {
		return res, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return res, err
	}
	status, err := wire.ReadUint32(h.conn.from)
	if err != nil {
		return res, err
	}
	errorMsg, err := wire.ReadString(h.conn.from)
	if err != nil {
		return res, err
	}
	return store.BuildResult{Status: store.BuildStatus(status), ErrorMsg: errorMsg}, nil
}

func (s *RemoteStore) EnsurePath(p store.Path) error {
	return s.simplePathOp(opEnsurePath, s.store.PrintStorePath(p))
}

func (s *RemoteStore) AddTempRoot(p store.Path) error {
	return s.simplePathOp(opAddTempRoot, s.store.PrintStorePath(p))
}

// AddIndirectRoot registers a symlink outside the store as a GC root. The
// argument is a plain filesystem path, not a store path.
func (s *RemoteStore) AddIndirectRoot(path string) error {
	return s.simplePathOp(opAddIndirectRoot, path)
}

func (s *RemoteStore) simplePathOp(o op, arg string) (err error) {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, o); err != nil {
		return err
	}
	if err = wire.WriteString(h.conn.to, arg); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

func (s *RemoteStore) SyncWithGC() error {
	return s.ackOnlyOp(opSyncWithGC)
}

func (s *RemoteStore) OptimiseStore() error {
	return s.ackOnlyOp(opOptimiseStore)
}

func (s *RemoteStore) ackOnlyOp(o op) (err error) {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, o); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

func (s *RemoteStore) AddSignatures(p store.Path, sigs []string) (err error) {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opAddSignatures); err != nil {
		return err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
		return err
	}
	if err = wire.WriteStrings(h.conn.to, sigs); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

func (s *RemoteStore) VerifyStore(checkContents, repair bool) (errored bool, err error) {
	h, err := s.getConnection()
	if err != nil {
		return false, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opVerifyStore); err != nil {
		return false, err
	}
	if err = wire.WriteBool(h.conn.to, checkContents); err != nil {
		return false, err
	}
	if err = wire.WriteBool(h.conn.to, repair); err != nil {
		return false, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return false, err
	}
	n, err := wire.ReadUint64(h.conn.from)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// FindRoots reports the daemon's GC roots. The censor flag is part of the
// store-wide interface; the daemon already censors what the caller may not
// see.
func (s *RemoteStore) FindRoots(censor bool) (roots store.Roots, err error) {
	_ = censor
	h, err := s.getConnection()
	if err != nil {
		return nil, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opFindRoots); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	count, err := wire.ReadCount(h.conn.from)
	if err != nil {
		return nil, err
	}
	roots = store.Roots{}
	for i := 0; i < count; i++ {
		link, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		raw, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		target, err := s.store.ParseStorePath(raw)
		if err != nil {
			return nil, common.NewStoreErrorf(common.ProtocolError, "daemon sent bad store path '%s': %v", raw, err)
		}
		if roots[target] == nil {
			roots[target] = map[string]struct{}{}
		}
		roots[target][link] = struct{}{}
	}
	return roots, nil
}

func (s *RemoteStore) CollectGarbage(options store.GCOptions) (results store.GCResults, err error) {
	h, err := s.getConnection()
	if err != nil {
		return results, err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opCollectGarbage); err != nil {
		return results, err
	}
	if err = wire.WriteUint64(h.conn.to, uint64(options.Action)); err != nil {
		return results, err
	}
	if err = s.writeStorePaths(h.conn, options.PathsToDelete); err != nil {
		return results, err
	}
	if err = wire.WriteBool(h.conn.to, options.IgnoreLiveness); err != nil {
		return results, err
	}
	if err = wire.WriteUint64(h.conn.to, options.MaxFreed); err != nil {
		return results, err
	}
	// Three removed options.
	for i := 0; i < 3; i++ {
		if err = wire.WriteUint64(h.conn.to, 0); err != nil {
			return results, err
		}
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return results, err
	}
	if results.Paths, err = wire.ReadStrings(h.conn.from); err != nil {
		return results, err
	}
	if results.BytesFreed, err = wire.ReadUint64(h.conn.from); err != nil {
		return results, err
	}
	if _, err = wire.ReadUint64(h.conn.from); err != nil { // obsolete
		return results, err
	}

	// The live set just changed under any cached metadata.
	s.store.InvalidatePathInfoCache()

	return results, nil
}

// NarFromPath streams the NAR serialisation of a valid path into sink.
func (s *RemoteStore) NarFromPath(p store.Path, sink io.Writer) (err error) {
	h, err := s.getConnection()
	if err != nil {
		return err
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opNarFromPath); err != nil {
		return err
	}
	if err = wire.WriteString(h.conn.to, s.store.PrintStorePath(p)); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	// The archive follows unframed; the copier knows where it ends.
	err = s.copyNAR(sink, h.conn.from)
	return err
}

func (s *RemoteStore) QueryMissing(targets []store.DerivedPath) (missing store.MissingInfo, err error) {
	h, err := s.getConnection()
	if err != nil {
		return missing, err
	}
	if protocolMinor(h.conn.daemonVersion) < 19 {
		// Let go of the handle before falling back: the local routine
		// issues its own queries and would deadlock against a pool of one.
		h.release(nil)
		return s.store.QueryMissing(targets)
	}
	defer func() { h.release(err) }()
	if err = writeOp(h.conn, opQueryMissing); err != nil {
		return missing, err
	}
	ss := make([]string, 0, len(targets))
	for _, t := range targets {
		ss = append(ss, t.Render(s.store))
	}
	if err = wire.WriteStrings(h.conn.to, ss); err != nil {
		return missing, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return missing, err
	}
	if missing.WillBuild, err = s.readStorePaths(h.conn); err != nil {
		return missing, err
	}
	if missing.WillSubstitute, err = s.readStorePaths(h.conn); err != nil {
		return missing, err
	}
	if missing.Unknown, err = s.readStorePaths(h.conn); err != nil {
		return missing, err
	}
	if missing.DownloadSize, err = wire.ReadUint64(h.conn.from); err != nil {
		return missing, err
	}
	if missing.NarSize, err = wire.ReadUint64(h.conn.from); err != nil {
		return missing, err
	}
	return missing, nil
}
