package tunnel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// StreamBridge copies bytes between one TCP connection and its paired
// HTTP/2 stream, translating each side's clean end (FIN / END_STREAM)
// into the other side's half-close, and each side's error (RST /
// RST_STREAM) into the other side's forceful teardown, per §4.4. "send"
// is always the tcp-to-h2 direction and "recv" is always the h2-to-tcp
// direction, which is why the same bridge code serves both ServerTunnel
// (where send/recv describe proxy-side traffic) and ClientTunnel (where
// they describe origin-side traffic).
type StreamBridge struct {
	id     int64
	tcp    net.Conn
	h2     *streamConn
	logger Logger

	forcedTCP int32 // set just before we destroy tcp ourselves
	forcedH2  int32 // set just before we destroy h2 ourselves

	mu  sync.Mutex
	err error // completion reason recorded by whichever side forced the other down
}

// setErr records the reason the bridge is tearing down, keeping the first
// one recorded (both directions can race to report an error when the
// underlying session dies out from under both sides at once).
func (b *StreamBridge) setErr(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
}

func newStreamBridge(id int64, tcp net.Conn, h2 *streamConn, logger Logger) *StreamBridge {
	return &StreamBridge{
		id:     id,
		tcp:    tcp,
		h2:     h2,
		logger: logger,
	}
}

// Run copies in both directions until both sides have reached a terminal
// state, logs the close, and returns. Callers run it in its own goroutine
// and use the supplied onClose to remove the (h2, tcp) pair from
// activeStreams (§4.4's terminal cleanup); err is nil if both sides ended
// cleanly (FIN/END_STREAM), or the reason the bridge was forced down
// otherwise (ErrPeerReset if the far side of the tunnel caused it, or the
// underlying local error if the TCP side caused it).
func (b *StreamBridge) Run(onClose func(err error)) {
	done := make(chan struct{}, 2)
	go func() {
		b.copyTCPToH2()
		done <- struct{}{}
	}()
	go func() {
		b.copyH2ToTCP()
		done <- struct{}{}
	}()
	<-done
	<-done
	b.logger.Debugf("stream%d closed", b.id)
	b.mu.Lock()
	err := b.err
	b.mu.Unlock()
	onClose(err)
}

// copyTCPToH2 is the "send" direction: proxy/origin TCP bytes flowing
// into the HTTP/2 stream.
func (b *StreamBridge) copyTCPToH2() {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := b.tcp.Read(buf)
		if n > 0 {
			if _, werr := b.h2.Write(buf[:n]); werr != nil {
				// h2 side already gone; nothing left to forward.
				return
			}
			b.logger.Debugf("stream%d send %d", b.id, n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				b.logger.Debugf("stream%d send FIN", b.id)
				b.h2.CloseWrite()
			} else if atomic.LoadInt32(&b.forcedTCP) == 0 {
				// A genuine TCP-side error/RST: force the h2 side down
				// too, unless we are the ones who just destroyed tcp
				// ourselves (in which case this read error is our own
				// consequence, not a new fault to propagate). rerr is the
				// real local cause, more specific than a generic sentinel.
				b.logger.Debugf("stream%d send RST: %v", b.id, rerr)
				atomic.StoreInt32(&b.forcedH2, 1)
				b.setErr(rerr)
				b.h2.Destroy(rerr)
			}
			return
		}
	}
}

// copyH2ToTCP is the "recv" direction: HTTP/2 stream bytes flowing out to
// the paired TCP connection.
func (b *StreamBridge) copyH2ToTCP() {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := b.h2.Read(buf)
		if n > 0 {
			if _, werr := b.tcp.Write(buf[:n]); werr != nil {
				return
			}
			b.logger.Debugf("stream%d recv %d", b.id, n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				b.logger.Debugf("stream%d recv FIN", b.id)
				closeWrite(b.tcp)
			} else if atomic.LoadInt32(&b.forcedH2) == 0 {
				// Genuine RST_STREAM from the peer, not a local
				// consequence of us having just destroyed the h2 side
				// (§4.4's error-source disambiguation): tcp is being torn
				// down because its bridged peer reported an error.
				b.logger.Debugf("stream%d recv RST: %v", b.id, ErrPeerReset)
				atomic.StoreInt32(&b.forcedTCP, 1)
				b.setErr(ErrPeerReset)
				resetAndDestroy(b.tcp)
			}
			return
		}
	}
}

// closeWrite half-closes the write side of a TCP connection if it
// supports it, mapping H2 END_STREAM onto a real TCP FIN.
func closeWrite(conn net.Conn) {
	if whc, ok := conn.(WriteHalfCloser); ok {
		whc.CloseWrite()
		return
	}
	conn.Close()
}

// resetAndDestroy forces conn closed with RST rather than FIN by
// discarding any linger period, then closes it, mapping H2 RST_STREAM (or
// a session failure) onto a real TCP RST as required by §4.2's proxy
// rejection and §4.4's reset propagation.
func resetAndDestroy(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetLinger(0)
	}
	conn.Close()
}

// dialTimeout is applied to the client's origin dial so a wedged origin
// service cannot leak a StreamBridge goroutine forever.
const dialTimeout = 10 * time.Second
