// Package remote implements the client side of the build-daemon wire
// protocol: a pool of connections to the daemon socket, the version
// handshake, and one method per daemon operation.
package remote

const (
	workerMagic1 = 0x6e697863
	workerMagic2 = 0x6478696f

	// protocolVersion is the client's protocol version, major in the high
	// byte and minor in the low byte.
	protocolVersion = 0x11a

	// minDaemonMinor is the oldest daemon minor the client still speaks to.
	minDaemonMinor = 10
)

func protocolMajor(v uint32) uint32 { return v & 0xff00 }
func protocolMinor(v uint32) uint32 { return v & 0x00ff }

type op uint64

const (
	opIsValidPath                 op = 1
	opHasSubstitutes              op = 3
	opQueryReferrers              op = 6
	opAddToStore                  op = 7
	opAddTextToStore              op = 8
	opBuildPaths                  op = 9
	opEnsurePath                  op = 10
	opAddTempRoot                 op = 11
	opAddIndirectRoot             op = 12
	opSyncWithGC                  op = 13
	opFindRoots                   op = 14
	opExportPath                  op = 16
	opQueryDeriver                op = 18
	opSetOptions                  op = 19
	opCollectGarbage              op = 20
	opQuerySubstitutablePathInfo  op = 21
	opQueryDerivationOutputs      op = 22
	opQueryAllValidPaths          op = 23
	opQueryFailedPaths            op = 24
	opClearFailedPaths            op = 25
	opQueryPathInfo               op = 26
	opImportPaths                 op = 27
	opQueryDerivationOutputNames  op = 28
	opQueryPathFromHashPart       op = 29
	opQuerySubstitutablePathInfos op = 30
	opQueryValidPaths             op = 31
	opQuerySubstitutablePaths     op = 32
	opQueryValidDerivers          op = 33
	opOptimiseStore               op = 34
	opVerifyStore                 op = 35
	opBuildDerivation             op = 36
	opAddSignatures               op = 37
	opNarFromPath                 op = 38
	opAddToStoreNar               op = 39
	opQueryMissing                op = 40
	opQueryDerivationOutputMap    op = 41
)

// Control-stream tags. Each message from the daemon while a request is in
// flight starts with one of these.
const (
	stderrWrite         = 0x64617416
	stderrRead          = 0x64617461
	stderrError         = 0x63787470
	stderrNext          = 0x6f6c6d67
	stderrStartActivity = 0x53545254
	stderrStopActivity  = 0x53544f50
	stderrResult        = 0x52534c54
	stderrLast          = 0x616c7473
)

// exportMagic separates entries in the legacy import stream.
const exportMagic = 0x4558494e

// Verbosity levels as the daemon counts them.
const (
	lvlError uint64 = iota
	lvlWarn
	lvlNotice
	lvlInfo
	lvlTalkative
	lvlChatty
	lvlDebug
	lvlVomit
)
