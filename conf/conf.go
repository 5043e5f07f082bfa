package conf

import (
	"time"

	"github.com/BK1603/nix/common"
)

const (
	// DefaultSocketPath is where the daemon listens when no socket path is
	// configured.
	DefaultSocketPath = "/nix/var/nix/daemon-socket/socket"

	DefaultMaxConnections = 1

	// DefaultMaxConnectionAge of zero keeps pooled connections forever.
	DefaultMaxConnectionAge = time.Duration(0)

	DefaultMaxBuildJobs = 1
)

type Config struct {
	SocketPath       string        `help:"Path to the daemon socket. Empty means the default daemon socket" name:"socket-path"`
	MaxConnections   int           `help:"Maximum number of concurrent connections to the daemon" name:"max-connections"`
	MaxConnectionAge time.Duration `help:"Pooled connections older than this are dropped on check-in. Zero keeps them forever" name:"max-connection-age"`

	// Scalars uploaded to the daemon in the options header, in wire order.
	KeepFailed     bool `help:"Keep failed build directories"`
	KeepGoing      bool `help:"Keep building after a build failure"`
	TryFallback    bool `help:"Fall back to building from source when substitution fails"`
	Verbosity      int  `help:"Daemon-side verbosity level"`
	MaxBuildJobs   int  `help:"Maximum number of parallel build jobs" name:"max-build-jobs"`
	MaxSilentTime  int  `help:"Seconds of build silence after which a build is killed" name:"max-silent-time"`
	VerboseBuild   bool `help:"Show full build output"`
	BuildCores     int  `help:"Cores available to each build job"`
	UseSubstitutes bool `help:"Use substitutes when available" name:"use-substitutes"`

	// Settings is uploaded as the override map on daemons that accept one.
	// Keys already expressed by the header scalars are never sent twice.
	Settings map[string]string `help:"Additional settings to upload to the daemon" name:"setting"`
}

func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxBuildJobs == 0 {
		c.MaxBuildJobs = DefaultMaxBuildJobs
	}
}

func (c *Config) Validate() error {
	if c.MaxConnections < 1 {
		return common.NewStoreErrorf(common.InvalidConfiguration, "max-connections must be >= 1, got %d", c.MaxConnections)
	}
	if c.MaxConnectionAge < 0 {
		return common.NewStoreErrorf(common.InvalidConfiguration, "max-connection-age must not be negative")
	}
	return nil
}
