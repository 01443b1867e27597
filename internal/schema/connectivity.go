package schema

// ConnectivityMode is the adapter path an interactive write should take.
//
// The mode is supplied explicitly by the caller (the platform shell owns
// the connectivity signal); the core never infers it from data values.
// Checking is treated like Offline: the write lands locally and is
// enqueued, and the sync engine reconciles once the signal settles.
type ConnectivityMode int

const (
	Online ConnectivityMode = iota
	Offline
	Checking
)

// String returns the lowercase name used in logs and the connectivity
// state file watched by the daemon.
func (m ConnectivityMode) String() string {
	switch m {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Checking:
		return "checking"
	}
	return "unknown"
}

// ParseConnectivityMode maps a state-file token to a mode. Unrecognized
// tokens map to Checking so a torn write never flips the client online.
func ParseConnectivityMode(s string) ConnectivityMode {
	switch s {
	case "online":
		return Online
	case "offline":
		return Offline
	default:
		return Checking
	}
}
