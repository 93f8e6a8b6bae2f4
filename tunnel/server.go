package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// sessionResource bundles one tunnel's H2 session and its TLS socket as a
// single Closeable registered with the Supervisor: whichever of the two
// fails first, Close tears both down together and wakes every goroutine
// waiting on closed, matching §4.2's "closure of either cascades to the
// other".
type sessionResource struct {
	session *h2ClientSession
	conn    net.Conn
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	reason error // advisory completion reason, e.g. ErrPreempted
}

func newSessionResource(session *h2ClientSession, conn net.Conn) *sessionResource {
	return &sessionResource{session: session, conn: conn, closed: make(chan struct{})}
}

// Close implements Closeable. The Supervisor's registry calls this with no
// way to pass a reason, so callers that know why they're closing a
// resource (e.g. preemptSession) call setReason first.
func (r *sessionResource) Close() error {
	r.once.Do(func() {
		r.session.Close()
		r.conn.Close()
		close(r.closed)
	})
	return nil
}

func (r *sessionResource) setReason(err error) {
	r.mu.Lock()
	r.reason = err
	r.mu.Unlock()
}

func (r *sessionResource) Reason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// bridgeResource is the Destroyable Supervisor uses to force a live
// StreamBridge's pair down on Stop, per §4.1.
type bridgeResource struct {
	tcp net.Conn
	h2  *streamConn
}

func (r bridgeResource) Destroy(_ error) {
	resetAndDestroy(r.tcp)
	r.h2.Destroy(ErrAborted)
}

// ServerTunnel is the public-facing endpoint of §4.2: it listens for the
// mutual-TLS tunnel connection, hosts the HTTP/2 client role over it, and
// listens separately for the public proxy traffic that gets bridged onto
// HTTP/2 streams.
type ServerTunnel struct {
	Supervisor

	cfg       ServerConfig
	tlsConfig *tls.Config
	metrics   *Metrics

	mu      sync.Mutex
	session *h2ClientSession
	resource *sessionResource
}

// NewServerTunnel validates cfg and prepares a ServerTunnel; call Start to
// begin listening.
func NewServerTunnel(cfg ServerConfig) (*ServerTunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &ServerTunnel{cfg: cfg}
	t.InitSupervisor(cfg.Logger.Fork("server"))
	t.tlsConfig = peerTLSConfig(cfg.TLSCert, cfg.TrustedPeerCert, true)
	if cfg.MetricsListenAddr != "" {
		t.metrics = newMetrics("server")
	}
	return t, nil
}

// Start binds the tunnel and proxy listeners and begins accepting. It
// returns once both listeners are up; failures to bind (e.g. EADDRINUSE)
// are returned directly, per §4.2's terminal start-up error contract.
func (t *ServerTunnel) Start() error {
	// Re-initializing here (not just from the constructor) is what makes
	// start(); stop(); start() valid on the same *ServerTunnel* (L1):
	// Stop leaves the embedded Supervisor permanently aborted otherwise.
	t.InitSupervisor(t.cfg.Logger.Fork("server"))
	if err := t.metrics.Start(t.cfg.MetricsListenAddr); err != nil {
		return t.Errorf("metrics listen: %w", err)
	}

	rawTunnelLn, err := net.Listen("tcp", t.cfg.TunnelListenAddr)
	if err != nil {
		return t.Errorf("tunnel listen: %w", err)
	}
	tunnelLn := tls.NewListener(rawTunnelLn, t.tlsConfig)

	proxyLn, err := net.Listen("tcp", t.cfg.ProxyListenAddr)
	if err != nil {
		tunnelLn.Close()
		return t.Errorf("proxy listen: %w", err)
	}

	tunnelDone := make(chan struct{})
	t.RegisterCloseable(tunnelLn, tunnelDone)
	proxyDone := make(chan struct{})
	t.RegisterCloseable(proxyLn, proxyDone)

	go t.acceptTunnels(tunnelLn, tunnelDone)
	go t.acceptProxy(proxyLn, proxyDone)

	t.Infof("listening")
	t.setState(StateListening)
	return nil
}

// Stop tears down both listeners, every live tunnel, and every bridged
// stream, then blocks until teardown converges.
func (t *ServerTunnel) Stop() {
	t.Infof("stopping")
	t.Supervisor.Stop()
	t.metrics.Stop()
	t.Infof("stopped")
}

func (t *ServerTunnel) acceptTunnels(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.IsAborted() {
				return
			}
			t.Errorf("tunnel listener: %w", err)
			go t.Stop()
			return
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go t.runSession(tlsConn)
	}
}

func (t *ServerTunnel) runSession(conn *tls.Conn) {
	handshakeCtx, cancel := context.WithTimeout(context.Background(), t.cfg.IdleTimeout)
	err := conn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		t.Warnf("tunnel handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	t.preemptSession()

	wrapped := &idleConn{Conn: conn, timeout: t.cfg.IdleTimeout}
	session, ready, err := newH2ClientSession(wrapped)
	if err != nil {
		t.Warnf("h2 session from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	resource := newSessionResource(session, conn)
	t.RegisterCloseable(resource, resource.closed)

	t.mu.Lock()
	t.session = session
	t.resource = resource
	t.mu.Unlock()

	go func() {
		select {
		case <-ready:
		case <-resource.closed:
			return
		}
		t.mu.Lock()
		active := t.session == session
		t.mu.Unlock()
		if !active {
			return
		}
		t.Infof("connected to %s from %s", conn.LocalAddr(), conn.RemoteAddr())
		t.setState(StateConnected)
		t.metrics.setSessionActive(true)
		t.metrics.tunnelConnected()
	}()

	ticker := time.NewTicker(t.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-resource.closed:
			t.teardownSession(session)
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(context.Background(), t.cfg.IdleTimeout)
			pingErr := session.Ping(pingCtx)
			pingCancel()
			if pingErr != nil {
				resource.Close()
			}
		}
	}
}

// preemptSession implements §4.5: a new tunnel destroys any prior one and
// waits for its disconnect to be observable before the new one's own
// connected event can fire.
func (t *ServerTunnel) preemptSession() {
	t.mu.Lock()
	prev := t.resource
	prevSession := t.session
	t.mu.Unlock()
	if prev == nil {
		return
	}
	prev.setReason(ErrPreempted)
	prev.Close()
	t.teardownSession(prevSession)
}

func (t *ServerTunnel) teardownSession(session *h2ClientSession) {
	t.mu.Lock()
	wasActive := t.session == session
	resource := t.resource
	if wasActive {
		t.session = nil
		t.resource = nil
	}
	t.mu.Unlock()
	if !wasActive {
		return
	}
	if reason := resource.Reason(); reason != nil {
		t.Infof("tunnel closed: %v", reason)
	}
	t.metrics.setSessionActive(false)
	if !t.IsAborted() {
		t.setState(StateDisconnected)
		t.setState(StateListening)
	}
}

func (t *ServerTunnel) acceptProxy(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.IsAborted() {
				return
			}
			t.Errorf("proxy listener: %w", err)
			go t.Stop()
			return
		}
		go t.handleProxyConn(conn)
	}
}

// currentSession returns the live HTTP/2 session, or ErrNoActiveSession if
// none is installed (I2's rejection branch).
func (t *ServerTunnel) currentSession() (*h2ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, ErrNoActiveSession
	}
	return t.session, nil
}

func (t *ServerTunnel) handleProxyConn(conn net.Conn) {
	session, err := t.currentSession()
	if err != nil {
		t.Infof("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		resetAndDestroy(conn)
		return
	}

	// The request context governs the whole stream in golang.org/x/net/http2:
	// cancelling it resets the stream. Only the open is bounded by
	// dialTimeout; the context is released once the bridge has finished.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openTimer := time.AfterFunc(dialTimeout, cancel)
	stream, err := session.OpenStream(ctx)
	openTimer.Stop()
	if err != nil {
		t.Warnf("stream open for %s: %v", conn.RemoteAddr(), err)
		resetAndDestroy(conn)
		return
	}

	id := t.stats.next()
	t.Infof("stream%d forwarded from %s", id, conn.RemoteAddr())
	t.stats.opened()
	t.metrics.streamOpened()
	t.metrics.setStreamsActive(t.stats.current())

	logger := t.Logger.Fork(fmt.Sprintf("stream%d", id))
	bridge := newStreamBridge(id, conn, stream, logger)
	done := make(chan struct{})
	t.RegisterDestroyable(bridgeResource{tcp: conn, h2: stream}, done)
	bridge.Run(func(err error) {
		t.stats.closed()
		if err != nil {
			logger.Debugf("stream%d ended: %v", id, err)
			t.metrics.streamReset()
		} else {
			t.metrics.streamClosed()
		}
		t.metrics.setStreamsActive(t.stats.current())
		close(done)
	})
}
