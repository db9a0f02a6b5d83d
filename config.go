package tinyweb

import "time"

// Profile selects sizing defaults for a class of target device. The mapping
// is a pure table so two builds configured with the same profile always get
// the same limits; there is no runtime detection.
type Profile string

const (
	// ProfileTiny fits microcontroller-class targets with a few tens of KB
	// of heap to spare.
	ProfileTiny Profile = "tiny"
	// ProfileSmall fits small embedded Linux boards.
	ProfileSmall Profile = "small"
	// ProfileStandard is for unconstrained hosts, mostly useful in tests
	// and development.
	ProfileStandard Profile = "standard"
)

// Concurrency returns the default simultaneous-connection limit for the
// profile. Unknown profiles get the tiny sizing; undershooting is the safe
// direction on constrained targets.
func (p Profile) Concurrency() int {
	switch p {
	case ProfileSmall:
		return 8
	case ProfileStandard:
		return 64
	default:
		return 2
	}
}

// Backlog returns the default listen backlog for the profile. It is always
// strictly larger than the profile's concurrency limit so overload waits in
// the kernel queue instead of being refused.
func (p Profile) Backlog(concurrency int) int {
	if concurrency <= 0 {
		concurrency = p.Concurrency()
	}
	return concurrency * 2
}

const (
	// DefaultReadTimeout bounds the request-line and header phase only.
	// Body reads and handler execution are not covered; handler code is
	// trusted.
	DefaultReadTimeout = 5 * time.Second

	// DefaultMaxBodySize applies to routes registered without an explicit
	// body limit.
	DefaultMaxBodySize = 4096

	// Read-side limits. One line here means up to and including CRLF.
	// The read buffer is sized to the line limit, so an overlong line
	// surfaces as a full buffer instead of unbounded growth.
	maxRequestLineLen = 1024
	maxHeaderLineLen  = maxRequestLineLen
	maxHeaderCount    = 32

	readBufferSize  = maxRequestLineLen
	writeBufferSize = 1024
)
