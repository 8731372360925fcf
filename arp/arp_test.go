package arp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBuildRequestParse(t *testing.T) {
	ourMAC := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	ourIP := [4]byte{192, 168, 1, 1}
	targetIP := [4]byte{192, 168, 1, 2}

	buf := make([]byte, sizeHeaderv4)
	out := BuildRequest(buf, ourMAC, ourIP, targetIP)

	got, ok := Parse(out)
	if !ok {
		t.Fatal("expected valid parse of freshly built request")
	}
	want := Parsed{
		Op:        OpRequest,
		SenderMAC: ourMAC,
		SenderIP:  ourIP,
		TargetMAC: [6]byte{},
		TargetIP:  targetIP,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parsed request mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildReplyParse(t *testing.T) {
	ourMAC := [6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}
	ourIP := [4]byte{192, 168, 1, 1}
	requesterMAC := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	requesterIP := [4]byte{192, 168, 1, 2}

	buf := make([]byte, sizeHeaderv4)
	out := BuildReply(buf, ourMAC, ourIP, requesterMAC, requesterIP)

	got, ok := Parse(out)
	if !ok {
		t.Fatal("expected valid parse of freshly built reply")
	}
	want := Parsed{
		Op:        OpReply,
		SenderMAC: ourMAC,
		SenderIP:  ourIP,
		TargetMAC: requesterMAC,
		TargetIP:  requesterIP,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parsed reply mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsShort(t *testing.T) {
	_, ok := Parse(make([]byte, 4))
	if ok {
		t.Fatal("expected parse failure on undersized buffer")
	}
}

func TestCacheLookupInsertExpiry(t *testing.T) {
	c := NewCache()
	ip := [4]byte{10, 0, 0, 5}
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	t0 := time.Unix(1000, 0)
	if _, ok := c.Lookup(ip, t0); ok {
		t.Fatal("expected empty cache miss")
	}

	c.Insert(ip, mac, t0)
	got, ok := c.Lookup(ip, t0)
	if !ok || got != mac {
		t.Fatalf("expected cache hit with %x, got %x ok=%v", mac, got, ok)
	}

	// Just under the TTL: entry still valid.
	if _, ok := c.Lookup(ip, t0.Add(59*time.Second)); !ok {
		t.Fatal("entry should survive lookup before TTL elapses")
	}

	// Past the TTL with no refresh: entry reads as expired.
	if _, ok := c.Lookup(ip, t0.Add(61*time.Second)); ok {
		t.Fatal("entry should read as expired after TTL elapses")
	}
}

func TestCacheGCReclaimsExpired(t *testing.T) {
	c := NewCache()
	t0 := time.Unix(1000, 0)
	ipA := [4]byte{10, 0, 0, 1}
	ipB := [4]byte{10, 0, 0, 2}
	c.Insert(ipA, [6]byte{1, 1, 1, 1, 1, 1}, t0)
	c.Insert(ipB, [6]byte{2, 2, 2, 2, 2, 2}, t0.Add(30*time.Second))

	if got := c.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 before GC", got)
	}

	// At t0+61s, ipA (last refreshed at t0) is past the 60s TTL; ipB (last
	// refreshed at t0+30s) still has 29s of life left.
	removed := c.GC(t0.Add(61 * time.Second))
	if removed != 1 {
		t.Fatalf("GC removed %d entries, want 1", removed)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 after GC", got)
	}
	if _, ok := c.Lookup(ipA, t0.Add(61*time.Second)); ok {
		t.Fatal("expected ipA to be gone after GC")
	}
	if _, ok := c.Lookup(ipB, t0.Add(61*time.Second)); !ok {
		t.Fatal("expected ipB to survive GC")
	}
}

func TestCacheLenSaturates(t *testing.T) {
	c := NewCache()
	t0 := time.Unix(1000, 0)
	for i := 0; i < cacheCapacity+8; i++ {
		ip := [4]byte{10, 0, byte(i >> 8), byte(i)}
		c.Insert(ip, [6]byte{1, 2, 3, 4, 5, byte(i)}, t0)
	}
	if got := c.Len(); got != cacheCapacity {
		t.Fatalf("Len() = %d, want %d (capacity-bounded)", got, cacheCapacity)
	}
}

func TestCacheInsertUpserts(t *testing.T) {
	c := NewCache()
	ip := [4]byte{10, 0, 0, 5}
	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	mac2 := [6]byte{2, 2, 2, 2, 2, 2}

	t0 := time.Unix(1000, 0)
	c.Insert(ip, mac1, t0)
	c.Insert(ip, mac2, t0.Add(time.Second))

	got, ok := c.Lookup(ip, t0.Add(time.Second))
	if !ok || got != mac2 {
		t.Fatalf("expected most recent mac %x, got %x ok=%v", mac2, got, ok)
	}
}
