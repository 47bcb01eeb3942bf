// Package portalloc derives the relay's UDP port pair for a call from its
// correlation id. There is no shared state: snoopmgr and any other process
// computing Allocate for the same id get the same ports.
//
// Two calls share ports only when their ids hash to the same bucket, so with
// B buckets two random concurrent calls collide with probability 1/B. A
// collision is not detected here; the relay rejects the second bind.
package portalloc

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

const (
	// DefaultBasePort is the first port handed out.
	DefaultBasePort = 40000
	// DefaultBuckets is the number of distinct port pairs.
	DefaultBuckets = 2000
	// Stride is the distance between consecutive buckets. Each bucket holds an
	// RTP/RTCP pair per direction.
	Stride = 4
)

// Ports is the UDP port pair for one call.
type Ports struct {
	In  int // caller -> platform direction
	Out int // platform -> caller direction
}

// String returns "in/out".
func (p Ports) String() string {
	return fmt.Sprintf("%d/%d", p.In, p.Out)
}

// Allocator maps correlation ids onto [BasePort, BasePort+Buckets*Stride).
type Allocator struct {
	BasePort int
	Buckets  int
}

// New creates an allocator after validating that the whole range fits into
// the UDP port space.
func New(basePort, buckets int) (Allocator, error) {
	if basePort <= 0 || buckets <= 0 {
		return Allocator{}, fmt.Errorf("invalid port range: base=%d buckets=%d", basePort, buckets)
	}
	if last := basePort + (buckets-1)*Stride + 2; last > 65535 {
		return Allocator{}, fmt.Errorf("port range exceeds 65535: base=%d buckets=%d last=%d", basePort, buckets, last)
	}
	return Allocator{BasePort: basePort, Buckets: buckets}, nil
}

// Bucket returns the bucket index for a correlation id: the first 32 bits of
// its SHA-1 digest modulo Buckets.
func (a Allocator) Bucket(correlationID string) int {
	sum := sha1.Sum([]byte(correlationID))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(a.Buckets))
}

// Allocate returns the port pair for a correlation id.
func (a Allocator) Allocate(correlationID string) Ports {
	in := a.BasePort + a.Bucket(correlationID)*Stride
	return Ports{In: in, Out: in + 2}
}
