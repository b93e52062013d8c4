package crawler

import "errors"

// Sentinel errors for expected steady-state rejections. Callers match them
// with errors.Is; none of them indicates a process fault.
var (
	// ErrMalformedURL means a candidate could not be canonicalized and was
	// never admitted.
	ErrMalformedURL = errors.New("malformed url")

	// ErrHostBlocked means admission or lease touched a blocklisted or
	// backed-off host.
	ErrHostBlocked = errors.New("host blocked")

	// ErrAlreadySeen means the seen-URL filter recognized the canonical key.
	ErrAlreadySeen = errors.New("url already seen")

	// ErrUnknownLease means a heartbeat or completion referenced a lease
	// that expired, completed, or never existed.
	ErrUnknownLease = errors.New("unknown lease")

	// ErrNoEligibleJob means no queued job's host is currently eligible.
	ErrNoEligibleJob = errors.New("no eligible job")

	// ErrSnapshotNotFound means a snapshot store has no blob under the
	// requested name. A fresh deployment hits this on first start.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
