// Package transport provides the UDP socket plumbing the proxy's sessions
// sit on top of: a Listener bound to one side of the proxy (client-facing
// or server-facing), shared safely across concurrently-running sessions,
// plus a monitor feed used for live debugging.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

var ErrListenerClosed = errors.New("listener closed")

// OnPacket is invoked for every datagram the listener reads, with the
// sender's address and the raw bytes (valid only for the duration of the
// call).
type OnPacket func(addr netip.AddrPort, data []byte)

// Listener owns one UDP socket and fans inbound datagrams out to a
// caller-supplied handler, while making Send safe to call concurrently
// from any number of sessions.
type Listener struct {
	mu sync.Mutex

	conn    *net.UDPConn
	closing bool
	serve   <-chan struct{}

	mon map[chan<- MonitorPacket]struct{}

	rxCount, rxBytes atomic.Uint64
	txCount, txBytes atomic.Uint64
	txErrCount       atomic.Uint64
}

// NewListener constructs an unbound Listener.
func NewListener() *Listener {
	return &Listener{mon: make(map[chan<- MonitorPacket]struct{})}
}

// ListenAndServe binds a UDP socket to addr and serves it, dispatching
// every inbound datagram to onPacket.
func (l *Listener) ListenAndServe(addr netip.AddrPort, onPacket OnPacket) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	return l.Serve(conn, onPacket)
}

// Serve binds the listener to conn, which should not be used afterward.
// If l is already bound, the existing socket is closed first.
func (l *Listener) Serve(conn *net.UDPConn, onPacket OnPacket) error {
	serve := make(chan struct{})
	defer close(serve)
	defer conn.Close()

	l.mu.Lock()
	for l.conn != nil {
		l.mu.Unlock()
		l.Close()
		l.mu.Lock()
	}
	l.conn = conn
	l.closing = false
	l.serve = serve
	l.mu.Unlock()

	buf := make([]byte, 1500)
	for {
		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			l.mu.Lock()
			if l.closing {
				err = ErrListenerClosed
			}
			l.conn = nil
			l.mu.Unlock()
			return err
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

		l.rxCount.Add(1)
		l.rxBytes.Add(uint64(n))

		data := append([]byte(nil), buf[:n]...)

		l.mu.Lock()
		for c := range l.mon {
			select {
			case c <- MonitorPacket{In: true, Remote: addr, Data: data}:
			default:
			}
		}
		l.mu.Unlock()

		onPacket(addr, data)
	}
}

// Close immediately closes the active socket, if any, and waits for Serve
// to return.
func (l *Listener) Close() {
	var serve <-chan struct{}

	l.mu.Lock()
	if l.conn != nil {
		l.closing = true
		l.conn.Close()
		serve = l.serve
	}
	l.mu.Unlock()

	if serve != nil {
		<-serve
	}
}

// LocalAddr gets the local address of the active socket, if any.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Send writes buf to addr. Safe for concurrent use by multiple sessions.
func (l *Listener) Send(addr netip.AddrPort, buf []byte) (int, error) {
	l.mu.Lock()
	conn := l.conn
	closing := l.closing
	l.mu.Unlock()

	if conn == nil || closing {
		l.txErrCount.Add(1)
		return 0, ErrListenerClosed
	}

	n, _, err := conn.WriteMsgUDPAddrPort(buf, nil, addr)
	if err != nil {
		l.txErrCount.Add(1)
		return n, fmt.Errorf("send: %w", err)
	}

	l.txCount.Add(1)
	l.txBytes.Add(uint64(n))

	l.mu.Lock()
	for c := range l.mon {
		select {
		case c <- MonitorPacket{In: false, Remote: addr, Data: buf}:
		default:
		}
	}
	l.mu.Unlock()

	return n, nil
}

// MonitorPacket describes a sent or received datagram, for live debugging.
type MonitorPacket struct {
	In     bool
	Remote netip.AddrPort
	Data   []byte
}

// Monitor writes sent/received packets to c until ctx is cancelled,
// discarding them if c doesn't have room.
func (l *Listener) Monitor(ctx context.Context, c chan<- MonitorPacket) {
	l.mu.Lock()
	l.mon[c] = struct{}{}
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.mon, c)
	l.mu.Unlock()
}

// WritePrometheus writes this listener's counters in Prometheus text
// format, labelled listener=name (e.g. "client" or "server:<client>").
func (l *Listener) WritePrometheus(w io.Writer, name string) {
	fmt.Fprintf(w, "bdmitm_transport_rx_count{listener=%q} %d\n", name, l.rxCount.Load())
	fmt.Fprintf(w, "bdmitm_transport_rx_bytes{listener=%q} %d\n", name, l.rxBytes.Load())
	fmt.Fprintf(w, "bdmitm_transport_tx_count{listener=%q} %d\n", name, l.txCount.Load())
	fmt.Fprintf(w, "bdmitm_transport_tx_bytes{listener=%q} %d\n", name, l.txBytes.Load())
	fmt.Fprintf(w, "bdmitm_transport_tx_err_count{listener=%q} %d\n", name, l.txErrCount.Load())
}
