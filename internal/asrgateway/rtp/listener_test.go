package rtp

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
)

type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) Send(frame []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.frames)
		frames := append([][]byte(nil), c.frames...)
		c.mu.Unlock()
		if got >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d frames, want %d", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func packet(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    118,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0xCAFE,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func dial(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestForwardsPayloadsInOrder(t *testing.T) {
	sink := &collector{}
	l, err := Listen("127.0.0.1", 0, sink, Options{CallID: "L1", Speaker: "S1"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	conn := dial(t, l.Port())
	conn.Write(packet(t, 1, []byte("first")))
	conn.Write([]byte{0x80, 0x00, 0x01}) // too short, dropped
	conn.Write(packet(t, 2, []byte("second")))
	conn.Write(packet(t, 3, nil)) // header only, empty frame

	frames := sink.wait(t, 3)
	want := [][]byte{[]byte("first"), []byte("second"), {}}
	for i := range want {
		if !bytes.Equal(frames[i], want[i]) {
			t.Errorf("frame %d = %q, want %q", i, frames[i], want[i])
		}
	}

	st := l.Stats()
	if st.Packets != 3 || st.Bytes != int64(len("first")+len("second")) || st.Dropped != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHeaderBitsIgnored(t *testing.T) {
	sink := &collector{}
	l, err := Listen("127.0.0.1", 0, sink, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	// Extension bit set: the 12-byte strip still applies, the extension stays in the frame.
	raw := []byte{0x90, 118, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0xBE, 0xDE, 0x00, 0x00, 'x'}
	dial(t, l.Port()).Write(raw)

	frames := sink.wait(t, 1)
	if !bytes.Equal(frames[0], raw[HeaderSize:]) {
		t.Errorf("frame = %x, want %x", frames[0], raw[HeaderSize:])
	}
}

func TestLargePacketNotTruncated(t *testing.T) {
	sink := &collector{}
	l, err := Listen("127.0.0.1", 0, sink, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	payload := bytes.Repeat([]byte{0x5A}, 8000)
	if _, err := dial(t, l.Port()).Write(packet(t, 1, payload)); err != nil {
		t.Fatal(err)
	}

	frames := sink.wait(t, 1)
	if len(frames[0]) != len(payload) {
		t.Errorf("frame length = %d, want %d", len(frames[0]), len(payload))
	}
	if st := l.Stats(); st.Dropped != 0 || st.Bytes != int64(len(payload)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestBindConflict(t *testing.T) {
	l, err := Listen("127.0.0.1", 0, SinkFunc(func([]byte) {}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := Listen("127.0.0.1", l.Port(), SinkFunc(func([]byte) {}), Options{}); err == nil {
		t.Fatal("second bind on the same port succeeded")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	sink := &collector{}
	l, err := Listen("127.0.0.1", 0, sink, Options{})
	if err != nil {
		t.Fatal(err)
	}
	port := l.Port()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	// The port is free again once closed.
	l2, err := Listen("127.0.0.1", port, sink, Options{})
	if err != nil {
		t.Fatalf("rebind after close: %v", err)
	}
	l2.Close()
}
