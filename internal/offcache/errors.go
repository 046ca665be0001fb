package offcache

import "errors"

var (
	// ErrBadStatus is returned when a pre-cached asset answers with a non-2xx status.
	ErrBadStatus = errors.New("unexpected status")
	// ErrOffline is returned for a navigation that failed on the network and
	// has no fallback document in the bucket.
	ErrOffline = errors.New("offline and no fallback cached")
	// ErrNoActiveWorker is returned when an event needs an active version and there is none.
	ErrNoActiveWorker = errors.New("no active worker")
)
