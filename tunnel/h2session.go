package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// This file hosts the HTTP/2 multiplexing transport described by §4.2/§4.3
// and §12: the tunnel-server process always plays the HTTP/2 *client*
// role and the tunnel-client process always plays the HTTP/2 *server*
// role, both running the codec directly on the mutual-TLS byte-stream
// (golang.org/x/net/http2), the same pattern SagerNet/sing-box's
// common/mux package uses to run an arbitrary net.Conn as an HTTP/2
// transport without a separate listener.
//
// golang.org/x/net/http2 has no public hook that fires exactly on
// "peer SETTINGS received" for either role. firstFrameConn approximates
// it: the peer's first frame after the connection preface is always a
// SETTINGS frame (RFC 7540 §3.5), so signalling readiness after the first
// successful Read is observationally equivalent for our purposes.
type firstFrameConn struct {
	net.Conn
	once    sync.Once
	readyCh chan struct{}
}

func newFirstFrameConn(c net.Conn) *firstFrameConn {
	return &firstFrameConn{Conn: c, readyCh: make(chan struct{})}
}

func (c *firstFrameConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.once.Do(func() { close(c.readyCh) })
	}
	return n, err
}

// h2ClientSession hosts the HTTP/2 client role: ServerTunnel uses it to
// open one stream per accepted proxy connection.
type h2ClientSession struct {
	transport  *http2.Transport
	clientConn *http2.ClientConn
	conn       net.Conn
}

// newH2ClientSession runs the HTTP/2 client codec directly on conn,
// pinning it as the session's sole connection via a ConnPool of one.
func newH2ClientSession(conn net.Conn) (*h2ClientSession, <-chan struct{}, error) {
	wrapped := newFirstFrameConn(conn)
	s := &h2ClientSession{conn: conn}
	s.transport = &http2.Transport{
		AllowHTTP: true,
		ConnPool:  singleConnPool{s: s},
	}
	cc, err := s.transport.NewClientConn(wrapped)
	if err != nil {
		return nil, nil, err
	}
	s.clientConn = cc
	return s, wrapped.readyCh, nil
}

// singleConnPool pins the http2.Transport to the one ClientConn built over
// the tunnel socket; there is never a second connection to pool.
type singleConnPool struct{ s *h2ClientSession }

func (p singleConnPool) GetClientConn(*http.Request, string) (*http2.ClientConn, error) {
	return p.s.clientConn, nil
}
func (p singleConnPool) MarkDead(*http2.ClientConn) { p.s.Close() }

// Ping performs a round trip with the peer's HTTP/2 stack; ServerTunnel
// calls it on the §4.2 keepalive timer. The "remoteSettings received"
// signal comes from firstFrameConn, not from Ping.
func (s *h2ClientSession) Ping(ctx context.Context) error {
	return s.clientConn.Ping(ctx)
}

// OpenStream opens one HTTP/2 stream with method POST and no path
// semantics, the sole carrier for one forwarded TCP connection (§6).
func (s *h2ClientSession) OpenStream(ctx context.Context) (*streamConn, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://tunnel.invalid/", pr)
	if err != nil {
		return nil, err
	}
	req.ContentLength = -1

	resp, err := s.clientConn.RoundTrip(req)
	if err != nil {
		pw.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		pw.Close()
		return nil, fmt.Errorf("tunnel: unexpected stream status %d", resp.StatusCode)
	}
	return &streamConn{
		writer: pw,
		reader: resp.Body,
		done:   make(chan struct{}),
		closeWrite: pw.Close,
		destroy: func() {
			pw.CloseWithError(io.ErrClosedPipe)
			resp.Body.Close()
		},
	}, nil
}

func (s *h2ClientSession) Close() error {
	return s.clientConn.Close()
}

// h2ServerSession hosts the HTTP/2 server role: ClientTunnel uses it to
// accept one stream per inbound proxy connection relayed by the server.
type h2ServerSession struct {
	server  http2.Server
	conn    net.Conn
	inbound chan *streamConn
	done    chan struct{}
	once    sync.Once
}

func newH2ServerSession(conn net.Conn, idleTimeout time.Duration) (*h2ServerSession, <-chan struct{}) {
	wrapped := newFirstFrameConn(conn)
	s := &h2ServerSession{
		conn:    conn,
		inbound: make(chan *streamConn),
		done:    make(chan struct{}),
		server: http2.Server{
			IdleTimeout: idleTimeout,
			// ReadIdleTimeout/PingTimeout give the server role its own
			// keepalive PING (§4.3's "start keepalive PING at timeout/2"):
			// golang.org/x/net/http2 has no public API for a server to send
			// an application-triggered PING, so this is the library's own
			// equivalent, health-checking the connection at the same cadence.
			ReadIdleTimeout: idleTimeout / 2,
			PingTimeout:     idleTimeout / 2,
		},
	}
	go func() {
		s.server.ServeConn(wrapped, &http2.ServeConnOpts{Handler: http.HandlerFunc(s.serveHTTP)})
		s.Close()
	}()
	return s, wrapped.readyCh
}

// serveHTTP is invoked once per HTTP/2 stream opened by the peer. It
// blocks until the stream's bridge tears it down (forced close, or both
// directions ending cleanly), per golang.org/x/net/http2's requirement
// that a Handler own its request body for its whole lifetime; returning
// early sends END_STREAM and cancels any further request-body reads, so
// this handler cannot return before the bridge is actually finished with
// the stream.
func (s *h2ServerSession) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	sc := &streamConn{
		writer:    flushWriter{w: w},
		reader:    r.Body,
		done:      make(chan struct{}),
		destroyCh: make(chan struct{}),
	}
	select {
	case s.inbound <- sc:
	case <-s.done:
		return
	}
	select {
	case <-sc.done:
	case <-sc.destroyCh:
		sc.finish()
		// http.ErrAbortHandler is the documented sentinel for silently
		// aborting a handler without the default recover-and-log
		// behavior; for an HTTP/2 stream this results in RST_STREAM,
		// which is exactly the forceful teardown §4.4 calls for.
		panic(http.ErrAbortHandler)
	case <-s.done:
		sc.finish()
	}
}

// Accept returns the next stream opened by the peer.
func (s *h2ServerSession) Accept(ctx context.Context) (*streamConn, error) {
	select {
	case sc := <-s.inbound:
		return sc, nil
	case <-s.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *h2ServerSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.conn.Close()
}

// flushWriter adapts an http.ResponseWriter to io.Writer, flushing after
// every write so bytes reach the peer promptly instead of waiting for an
// internal buffer to fill (streams carry interactive TCP traffic, not bulk
// transfers).
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
