package fetchq

import "errors"

// NetworkPolicy decides whether downloads may be enqueued right now.
type NetworkPolicy interface {
	DownloadAllowed() bool
}

// NetworkPolicyFunc adapts a function to NetworkPolicy.
type NetworkPolicyFunc func() bool

func (f NetworkPolicyFunc) DownloadAllowed() bool { return f() }

// AllowAll permits every download.
var AllowAll NetworkPolicy = NetworkPolicyFunc(func() bool { return true })

// StoragePolicy reports the space left on the volume holding dir.
type StoragePolicy interface {
	FreeBytes(dir string) (int64, error)
}

// StoragePolicyFunc adapts a function to StoragePolicy.
type StoragePolicyFunc func(dir string) (int64, error)

func (f StoragePolicyFunc) FreeBytes(dir string) (int64, error) { return f(dir) }

// errStatUnsupported is returned by the default StoragePolicy on platforms
// without statfs; the free-space check is then skipped.
var errStatUnsupported = errors.New("fetchq: free space unavailable on this platform")

// DiskStorage queries the filesystem for free space.
var DiskStorage StoragePolicy = StoragePolicyFunc(freeBytes)

// ConnectivityState is the host's view of the network.
type ConnectivityState int

const (
	NotOnline ConnectivityState = iota
	OnlineNoDownloads
	Online
)

func (s ConnectivityState) String() string {
	switch s {
	case NotOnline:
		return "not_online"
	case OnlineNoDownloads:
		return "online_no_downloads"
	case Online:
		return "online"
	default:
		return "unknown"
	}
}
