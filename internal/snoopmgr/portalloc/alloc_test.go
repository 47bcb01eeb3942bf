package portalloc

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"testing"
)

func TestAllocateDeterministic(t *testing.T) {
	a, err := New(DefaultBasePort, DefaultBuckets)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"L1", "1718031234.17", "", "C1"} {
		first := a.Allocate(id)
		for i := 0; i < 5; i++ {
			if got := a.Allocate(id); got != first {
				t.Fatalf("Allocate(%q) = %v, then %v", id, first, got)
			}
		}
	}
}

func TestAllocateLayout(t *testing.T) {
	a := Allocator{BasePort: 40000, Buckets: 2000}
	for i := 0; i < 1000; i++ {
		p := a.Allocate(fmt.Sprintf("call-%d", i))
		if p.Out != p.In+2 {
			t.Fatalf("Out = %d, want In+2 (%d)", p.Out, p.In+2)
		}
		if (p.In-a.BasePort)%Stride != 0 {
			t.Fatalf("In %d not aligned to stride", p.In)
		}
		if p.In < a.BasePort || p.In >= a.BasePort+a.Buckets*Stride {
			t.Fatalf("In %d out of range", p.In)
		}
	}
}

// The bucket must match the first 8 hex digits of the SHA-1, so ports agree
// with deployments that compute them that way.
func TestBucketMatchesHexPrefix(t *testing.T) {
	a := Allocator{BasePort: 40000, Buckets: 2000}
	for _, id := range []string{"L1", "1718031234.17", "abc"} {
		sum := sha1.Sum([]byte(id))
		prefix, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 32)
		if err != nil {
			t.Fatal(err)
		}
		if want := int(prefix % 2000); a.Bucket(id) != want {
			t.Errorf("Bucket(%q) = %d, want %d", id, a.Bucket(id), want)
		}
	}
}

func TestCollisionRate(t *testing.T) {
	const buckets = 50
	const pairs = 20000
	a := Allocator{BasePort: 40000, Buckets: buckets}

	collisions := 0
	for i := 0; i < pairs; i++ {
		x := fmt.Sprintf("x-%d", i)
		y := fmt.Sprintf("y-%d", i)
		sameBucket := a.Bucket(x) == a.Bucket(y)
		samePorts := a.Allocate(x) == a.Allocate(y)
		if samePorts != sameBucket {
			t.Fatalf("ports equal (%v) but buckets equal (%v) for %q/%q", samePorts, sameBucket, x, y)
		}
		if samePorts {
			collisions++
		}
	}

	p := 1.0 / buckets
	expected := p * pairs
	stddev := math.Sqrt(pairs * p * (1 - p))
	if diff := math.Abs(float64(collisions) - expected); diff > 5*stddev {
		t.Errorf("collisions = %d, expected %.0f ± %.0f", collisions, expected, 5*stddev)
	}
}

func TestNewValidatesRange(t *testing.T) {
	if _, err := New(0, 10); err == nil {
		t.Error("expected error for zero base port")
	}
	if _, err := New(40000, 0); err == nil {
		t.Error("expected error for zero buckets")
	}
	if _, err := New(60000, 2000); err == nil {
		t.Error("expected error for range past 65535")
	}
}
