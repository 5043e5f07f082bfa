package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/BK1603/nix/conf"
	log "github.com/BK1603/nix/logger"
	"github.com/BK1603/nix/remote"
	"github.com/BK1603/nix/store"
	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
)

type arguments struct {
	Socket string     `help:"Path to the daemon socket. Empty uses the default socket"`
	Log    log.Config `help:"Configuration for the logger" embed:"" prefix:"log-"`
	Op     string     `help:"Operation to run" enum:"ping,protocol,valid,gc" default:"ping"`
	Path   string     `help:"Store path argument for operations that take one" arg:"" optional:""`
}

const storeDir = "/nix/store/"

// cliStore is the minimal path codec the CLI needs: store paths are their
// own textual form, validated by prefix.
type cliStore struct{}

func (cliStore) ParseStorePath(s string) (store.Path, error) {
	if !strings.HasPrefix(s, storeDir) || len(s) == len(storeDir) {
		return "", errors.Errorf("'%s' is not a store path", s)
	}
	return store.Path(s), nil
}

func (cliStore) PrintStorePath(p store.Path) string {
	return string(p)
}

func (cliStore) ParseContentAddressOpt(s string) (*store.ContentAddress, error) {
	if s == "" {
		return nil, nil
	}
	ca := store.ContentAddress(s)
	return &ca, nil
}

func (cliStore) RenderContentAddress(ca *store.ContentAddress) string {
	if ca == nil {
		return ""
	}
	return string(*ca)
}

func (cliStore) DerivationOutputs(store.Path) ([]store.Path, error) {
	return nil, errors.New("reading derivations is not supported here")
}

func (cliStore) DerivationOutputMap(store.Path) (map[string]*store.Path, error) {
	return nil, errors.New("reading derivations is not supported here")
}

func (cliStore) QueryMissing([]store.DerivedPath) (store.MissingInfo, error) {
	return store.MissingInfo{}, errors.New("local missing-path inference is not supported here")
}

func (cliStore) InvalidatePathInfoCache() {}

func copyNAR(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	args := arguments{}
	parser, err := kong.New(&args)
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		logErrorAndExit(err.Error())
	}
	if err := args.Log.Configure(); err != nil {
		logErrorAndExit(err.Error())
	}

	cfg := conf.Config{SocketPath: args.Socket}
	client, err := remote.NewRemoteStore(cfg, cliStore{}, nil, copyNAR)
	if err != nil {
		logErrorAndExit(err.Error())
	}
	defer client.Close()

	switch args.Op {

	case "ping":
		if err := client.Connect(); err != nil {
			logErrorAndExit(err.Error())
		}
		log.Infof("connected to %s", client.URI())

	case "protocol":
		v, err := client.GetProtocol()
		if err != nil {
			logErrorAndExit(err.Error())
		}
		fmt.Printf("%d.%d\n", v>>8, v&0xff)

	case "valid":
		p, err := cliStore{}.ParseStorePath(args.Path)
		if err != nil {
			logErrorAndExit(err.Error())
		}
		valid, err := client.IsValidPath(p)
		if err != nil {
			logErrorAndExit(err.Error())
		}
		fmt.Println(valid)

	case "gc":
		results, err := client.CollectGarbage(store.GCOptions{
			Action:   store.GCDeleteDead,
			MaxFreed: math.MaxUint64,
		})
		if err != nil {
			logErrorAndExit(err.Error())
		}
		for _, p := range results.Paths {
			fmt.Println(p)
		}
		log.Infof("freed %d bytes", results.BytesFreed)
	}
}
