// Package store defines the view the protocol client has of its
// collaborators: the content-addressed store that parses and prints paths,
// the activity logger, and the NAR copier. Their implementations live
// elsewhere; the client only moves their textual forms across the wire.
package store

import (
	"io"
	"strings"
)

// Path is an opaque store path token. The Store decides its textual form.
type Path string

// ContentAddress is an opaque rendered content-address descriptor.
type ContentAddress string

// Store is the path and content-address codec plus the local inference
// routines the client falls back to when the daemon is too old to answer a
// query itself.
type Store interface {
	ParseStorePath(s string) (Path, error)
	PrintStorePath(p Path) string

	// ParseContentAddressOpt treats the empty string as absent.
	ParseContentAddressOpt(s string) (*ContentAddress, error)
	RenderContentAddress(ca *ContentAddress) string

	// DerivationOutputs infers a derivation's output paths from the
	// derivation itself.
	DerivationOutputs(p Path) ([]Path, error)

	// DerivationOutputMap maps output names to their paths, where known,
	// by reading the derivation file.
	DerivationOutputMap(p Path) (map[string]*Path, error)

	// QueryMissing computes build/substitute/unknown sets locally.
	QueryMissing(targets []DerivedPath) (MissingInfo, error)

	// InvalidatePathInfoCache drops any cached path metadata. Called after
	// garbage collection, which changes the live set under the cache.
	InvalidatePathInfoCache()
}

// NARCopier copies one NAR archive from src to dst, consuming exactly the
// archive's bytes from src.
type NARCopier func(dst io.Writer, src io.Reader) error

// Derivation is a build recipe. Its wire serialisation belongs to the store
// layer; the client only copies it through.
type Derivation interface {
	WriteDerivation(w io.Writer, s Store) error
}

// DerivedPath is a store path plus the outputs requested from it.
type DerivedPath struct {
	Path    Path
	Outputs []string
	// AllOutputs requests every output of the derivation. It takes
	// precedence over Outputs.
	AllOutputs bool
}

// Render produces the daemon's textual form: the printed path, then the
// output names separated by commas after a '!' when any were requested, or
// the '*' wildcard when all were.
func (d DerivedPath) Render(s Store) string {
	if d.AllOutputs {
		return s.PrintStorePath(d.Path) + "!*"
	}
	if len(d.Outputs) == 0 {
		return s.PrintStorePath(d.Path)
	}
	return s.PrintStorePath(d.Path) + "!" + strings.Join(d.Outputs, ",")
}
