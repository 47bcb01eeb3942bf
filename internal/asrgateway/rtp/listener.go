// Package rtp receives one call direction over UDP and hands each packet's
// payload to a FrameSink, in arrival order, without reordering or buffering.
package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	pionrtp "github.com/pion/rtp"
)

// HeaderSize is the fixed RTP header length stripped from every packet.
// Extensions and padding are not inspected.
const HeaderSize = 12

// readBufferSize fits any UDP datagram, so a read that fills it was cut short.
const readBufferSize = 64 << 10

// FrameSink consumes audio frames. Send must not block on the network.
type FrameSink interface {
	Send(frame []byte)
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(frame []byte)

func (f SinkFunc) Send(frame []byte) { f(frame) }

// Stats counts what a listener has seen.
type Stats struct {
	Packets int64 // forwarded
	Bytes   int64 // payload bytes forwarded
	Dropped int64 // shorter than HeaderSize or truncated
}

// Options label a listener's log lines.
type Options struct {
	CallID  string
	Speaker string
}

// Listener owns one bound UDP socket.
type Listener struct {
	conn *net.UDPConn
	sink FrameSink
	opts Options

	packets atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds bindAddr:port and starts delivering frames to sink. A bind
// failure is returned, never deferred.
func Listen(bindAddr string, port int, sink FrameSink, opts Options) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", bindAddr, port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp %s: %w", addr, err)
	}

	l := &Listener{
		conn: conn,
		sink: sink,
		opts: opts,
		done: make(chan struct{}),
	}
	go l.readLoop()

	slog.Debug("[RTP] Listening", "call_id", opts.CallID, "speaker", opts.Speaker, "addr", conn.LocalAddr().String())
	return l, nil
}

// Port returns the bound UDP port.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Stats returns a snapshot of the counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Packets: l.packets.Load(),
		Bytes:   l.bytes.Load(),
		Dropped: l.dropped.Load(),
	}
}

// Close unbinds the socket and waits for the read loop to exit. After Close
// returns no further frames reach the sink.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
		<-l.done
	})
	return err
}

func (l *Listener) readLoop() {
	defer close(l.done)

	buf := make([]byte, readBufferSize)
	first := true
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("[RTP] Read failed", "call_id", l.opts.CallID, "speaker", l.opts.Speaker, "error", err)
			}
			return
		}
		if n < HeaderSize || n == len(buf) {
			l.dropped.Add(1)
			continue
		}

		if first {
			first = false
			l.logFirstPacket(buf[:n], src)
		}

		frame := make([]byte, n-HeaderSize)
		copy(frame, buf[HeaderSize:n])
		l.packets.Add(1)
		l.bytes.Add(int64(len(frame)))
		l.sink.Send(frame)
	}
}

func (l *Listener) logFirstPacket(pkt []byte, src *net.UDPAddr) {
	var h pionrtp.Header
	if _, err := h.Unmarshal(pkt); err != nil {
		slog.Info("[RTP] First packet (unparsed header)", "call_id", l.opts.CallID, "speaker", l.opts.Speaker, "from", src.String(), "size", len(pkt))
		return
	}
	slog.Info("[RTP] First packet",
		"call_id", l.opts.CallID,
		"speaker", l.opts.Speaker,
		"from", src.String(),
		"ssrc", h.SSRC,
		"pt", h.PayloadType,
		"seq", h.SequenceNumber,
	)
}
