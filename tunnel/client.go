package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/jpillora/backoff"
)

// ClientTunnel is the NAT-side endpoint of §4.3: it dials the server's
// mutual-TLS tunnel listener, hosts the HTTP/2 server role over the
// resulting socket, and for every HTTP/2 stream the server opens, dials the
// configured origin address and bridges the pair.
type ClientTunnel struct {
	Supervisor

	cfg       ClientConfig
	tlsConfig *tls.Config
	metrics   *Metrics
	backoff   *backoff.Backoff

	mu      sync.Mutex
	session *h2ServerSession
}

// NewClientTunnel validates cfg and prepares a ClientTunnel; call Start to
// begin dialing.
func NewClientTunnel(cfg ClientConfig) (*ClientTunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &ClientTunnel{cfg: cfg}
	t.InitSupervisor(cfg.Logger.Fork("client"))
	t.tlsConfig = peerTLSConfig(cfg.TLSCert, cfg.TrustedPeerCert, false)
	if cfg.MetricsListenAddr != "" {
		t.metrics = newMetrics("client")
	}
	// restart_timeout is both base and cap (§12): a flat reconnect interval
	// rather than unbounded exponential growth, since a down server is
	// expected to come back on its own schedule, not the client's.
	t.backoff = &backoff.Backoff{
		Min:    cfg.RestartTimeout,
		Max:    cfg.RestartTimeout,
		Factor: 1,
	}
	return t, nil
}

// Start launches the dial loop and returns immediately.
func (t *ClientTunnel) Start() error {
	// Re-initializing here (not just from the constructor) is what makes
	// start(); stop(); start() valid on the same *ClientTunnel* (L1):
	// Stop leaves the embedded Supervisor permanently aborted otherwise.
	t.InitSupervisor(t.cfg.Logger.Fork("client"))
	if err := t.metrics.Start(t.cfg.MetricsListenAddr); err != nil {
		return t.Errorf("metrics listen: %w", err)
	}
	go t.dialLoop()
	return nil
}

// Stop tears down the live tunnel (if any), cancels any pending reconnect
// timer, and blocks until teardown converges.
func (t *ClientTunnel) Stop() {
	t.Infof("stopping")
	t.Supervisor.Stop()
	t.metrics.Stop()
	t.Infof("stopped")
}

func (t *ClientTunnel) dialLoop() {
	for !t.IsAborted() {
		t.Infof("connecting")
		err := t.dialOnce()
		if t.IsAborted() {
			return
		}
		if err != nil {
			t.Warnf("tunnel: %v", err)
		}
		t.Infof("disconnected")
		t.setState(StateDisconnected)

		delay := t.backoff.Duration()
		woken := make(chan struct{})
		timer := t.Schedule(delay, func() { close(woken) })
		if timer == nil {
			return
		}
		t.Infof("restarting")
		select {
		case <-woken:
		case <-t.Stopped():
			return
		}
	}
}

func (t *ClientTunnel) dialOnce() error {
	addr := net.JoinHostPort(t.cfg.TunnelHost, fmt.Sprintf("%d", t.cfg.TunnelPort))
	dialer := &net.Dialer{Timeout: t.cfg.IdleTimeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return err
	}
	conn := tls.Client(rawConn, t.tlsConfig)

	handshakeCtx, cancel := context.WithTimeout(context.Background(), t.cfg.IdleTimeout)
	err = conn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		conn.Close()
		return err
	}

	wrapped := &idleConn{Conn: conn, timeout: t.cfg.IdleTimeout}
	session, ready := newH2ServerSession(wrapped, t.cfg.IdleTimeout)

	closed := make(chan struct{})
	go func() {
		<-session.done
		close(closed)
	}()
	t.RegisterCloseable(session, closed)

	t.mu.Lock()
	t.session = session
	t.mu.Unlock()

	connectedCh := make(chan struct{})
	go func() {
		select {
		case <-ready:
			close(connectedCh)
		case <-closed:
		}
	}()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		t.acceptStreams(session)
	}()

	select {
	case <-connectedCh:
		t.Infof("connected to %s from %s", conn.RemoteAddr(), conn.LocalAddr())
		t.setState(StateConnected)
		t.backoff.Reset()
		t.metrics.setSessionActive(true)
		t.metrics.tunnelConnected()
	case <-closed:
	}

	<-closed
	<-acceptDone
	t.mu.Lock()
	if t.session == session {
		t.session = nil
	}
	t.mu.Unlock()
	t.metrics.setSessionActive(false)
	return nil
}

func (t *ClientTunnel) acceptStreams(session *h2ServerSession) {
	for {
		stream, err := session.Accept(context.Background())
		if err != nil {
			return
		}
		go t.handleStream(stream)
	}
}

func (t *ClientTunnel) handleStream(stream *streamConn) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	addr := net.JoinHostPort(t.cfg.OriginHost, fmt.Sprintf("%d", t.cfg.OriginPort))
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		t.Warnf("origin dial %s: %v", addr, err)
		stream.Destroy(err)
		return
	}

	id := t.stats.next()
	t.Infof("stream%d forwarding to %s", id, addr)
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
