package sandbox

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrOutputLimit is returned when a bounded writer exceeds its configured cap.
var ErrOutputLimit = errors.New("OUTPUT_LIMIT")

// ErrTimeout is returned by helpers when execution exceeds the wall-time budget.
var ErrTimeout = errors.New("TIMEOUT")

// BoundedBuffer is an io.Writer implementation that caps total bytes written.
// When the cap is exceeded, it truncates additional input and returns ErrOutputLimit.
// Use Bytes() or String() to retrieve accumulated output and Truncated() to check status.
//
// Note: The writer never grows beyond the configured capacity in memory.
// A zero or negative capBytes defaults to 64 KiB.
type BoundedBuffer struct {
	buf       bytes.Buffer
	capBytes  int
	truncated bool
}

// NewBoundedBuffer creates a new BoundedBuffer holding at most capBytes bytes.
func NewBoundedBuffer(capBytes int) *BoundedBuffer {
	if capBytes <= 0 {
		capBytes = 64 * 1024
	}
	return &BoundedBuffer{capBytes: capBytes}
}

// Write appends p to the buffer up to the capacity. If the write causes
// the capacity to be exceeded, the write is truncated and ErrOutputLimit is returned.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	remaining := b.capBytes - b.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return 0, ErrOutputLimit
	}
	if len(p) > remaining {
		_, _ = b.buf.Write(p[:remaining])
		b.truncated = true
		return remaining, ErrOutputLimit
	}
	return b.buf.Write(p)
}

// Bytes returns the current contents (may be truncated if cap exceeded).
func (b *BoundedBuffer) Bytes() []byte { return b.buf.Bytes() }

// String returns the current contents as string (may be truncated).
func (b *BoundedBuffer) String() string { return b.buf.String() }

// Len returns the number of buffered bytes.
func (b *BoundedBuffer) Len() int { return b.buf.Len() }

// Remaining reports how many more bytes fit before the cap.
func (b *BoundedBuffer) Remaining() int {
	if r := b.capBytes - b.buf.Len(); r > 0 {
		return r
	}
	return 0
}

// Truncated reports whether any write exceeded the cap.
func (b *BoundedBuffer) Truncated() bool { return b.truncated }

// Deadlines is the timeout policy applied to every snippet execution.
type Deadlines struct {
	// Default applies when the caller does not supply a timeout.
	Default time.Duration
	// Floor is the minimum wait before a deadline fault, regardless of input.
	Floor time.Duration
	// NetworkFloor replaces Floor for snippets that look network-bound.
	NetworkFloor time.Duration
	// Max caps caller-supplied timeouts. Zero disables the cap.
	Max time.Duration
}

// DefaultDeadlines returns the built-in deadline policy.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Default:      30 * time.Second,
		Floor:        time.Second,
		NetworkFloor: 10 * time.Second,
		Max:          10 * time.Minute,
	}
}

var networkSignature = regexp.MustCompile(`\bfetch\s*\(|\bhttps?://`)

// UsesNetwork reports whether code contains fetch-usage signatures.
func UsesNetwork(code string) bool {
	return networkSignature.MatchString(code)
}

// Effective computes the deadline for code given the caller's requested
// timeout. Requested values <= 0 select Default. The result is never below
// Floor, and never below NetworkFloor when code uses the network.
func (d Deadlines) Effective(requested time.Duration, code string) time.Duration {
	eff := requested
	if eff <= 0 {
		eff = d.Default
	}
	if d.Max > 0 && eff > d.Max {
		eff = d.Max
	}
	if eff < d.Floor {
		eff = d.Floor
	}
	if UsesNetwork(code) && eff < d.NetworkFloor {
		eff = d.NetworkFloor
	}
	return eff
}

// WithWallTimeout returns a derived context that is canceled after wall with
// cause ErrTimeout. If wall <= 0, a conservative default of 1000ms is used.
func WithWallTimeout(parent context.Context, wall time.Duration) (context.Context, context.CancelFunc) {
	if wall <= 0 {
		wall = time.Second
	}
	return context.WithTimeoutCause(parent, wall, ErrTimeout)
}
