package tunnel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"
)

// DefaultTunnelPort is the default mutual-TLS tunnel port, per the CLI
// surface (--tunnel-listen-port / --tunnel-port default 15900).
const DefaultTunnelPort = 15900

// DefaultIdleTimeout is applied when a config leaves IdleTimeout at zero.
const DefaultIdleTimeout = 60 * time.Second

// ServerConfig configures a ServerTunnel. TLSCert and TrustedPeerCert are
// the same self-signed keypair/certificate used on both ends of the tunnel
// (see §6): loading them from disk is an out-of-scope external
// collaborator, so this package only ever consumes already-parsed values.
type ServerConfig struct {
	// TLSCert is this endpoint's identity certificate and private key.
	TLSCert tls.Certificate
	// TrustedPeerCert is the sole trust anchor: a peer's certificate is
	// accepted iff it is byte-identical to this one.
	TrustedPeerCert *x509.Certificate

	// TunnelListenAddr is the host:port the mutual-TLS tunnel listener
	// binds to, e.g. "[::0]:15900".
	TunnelListenAddr string
	// ProxyListenAddr is the host:port the public proxy listener binds
	// to, e.g. "[::0]:8080".
	ProxyListenAddr string

	// IdleTimeout bounds how long the tunnel socket may go without
	// traffic before it is considered dead; keepalive PINGs are sent at
	// IdleTimeout/2. Defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// MetricsListenAddr, if non-empty, serves Prometheus metrics and is
	// otherwise fully isolated from tunnel operation (§12).
	MetricsListenAddr string

	// Logger receives structured log lines. Defaults to a NopLogger.
	Logger Logger
}

// ClientConfig configures a ClientTunnel.
type ClientConfig struct {
	// TLSCert is this endpoint's identity certificate and private key.
	TLSCert tls.Certificate
	// TrustedPeerCert is the sole trust anchor, symmetric to ServerConfig.
	TrustedPeerCert *x509.Certificate

	// TunnelHost/TunnelPort identify the server's tunnel listener.
	TunnelHost string
	TunnelPort int

	// OriginHost/OriginPort identify the loopback service that accepts
	// bridged connections.
	OriginHost string
	OriginPort int

	// IdleTimeout is both the TLS dial/handshake timeout and the basis
	// for the keepalive PING interval (IdleTimeout/2).
	IdleTimeout time.Duration
	// RestartTimeout is the delay before a reconnect attempt after the
	// tunnel drops. Defaults to IdleTimeout if zero.
	RestartTimeout time.Duration

	MetricsListenAddr string
	Logger            Logger
}

func (c *ServerConfig) setDefaults() {
	if c.TunnelListenAddr == "" {
		c.TunnelListenAddr = fmt.Sprintf("[::0]:%d", DefaultTunnelPort)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
}

// Validate checks required fields and applies defaults in place.
func (c *ServerConfig) Validate() error {
	if c.TLSCert.Certificate == nil {
		return fmt.Errorf("tunnel: ServerConfig.TLSCert is required")
	}
	if c.TrustedPeerCert == nil {
		return fmt.Errorf("tunnel: ServerConfig.TrustedPeerCert is required")
	}
	if c.ProxyListenAddr == "" {
		return fmt.Errorf("tunnel: ServerConfig.ProxyListenAddr is required")
	}
	c.setDefaults()
	return nil
}

func (c *ClientConfig) setDefaults() {
	if c.TunnelPort <= 0 {
		c.TunnelPort = DefaultTunnelPort
	}
	if c.OriginHost == "" {
		c.OriginHost = "localhost"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = c.IdleTimeout
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
}

// Validate checks required fields and applies defaults in place.
func (c *ClientConfig) Validate() error {
	if c.TLSCert.Certificate == nil {
		return fmt.Errorf("tunnel: ClientConfig.TLSCert is required")
	}
	if c.TrustedPeerCert == nil {
		return fmt.Errorf("tunnel: ClientConfig.TrustedPeerCert is required")
	}
	if c.TunnelHost == "" {
		return fmt.Errorf("tunnel: ClientConfig.TunnelHost is required")
	}
	if c.OriginPort <= 0 {
		return fmt.Errorf("tunnel: ClientConfig.OriginPort is required")
	}
	c.setDefaults()
	return nil
}

// peerTLSConfig builds the mutual-TLS configuration shared by both roles:
// identity is this endpoint's certificate, trust is exactly the pinned peer
// certificate (server-name verification is disabled per §6; a custom
// VerifyPeerCertificate enforces byte-equality instead).
func peerTLSConfig(cert tls.Certificate, trustedPeer *x509.Certificate, isServer bool) *tls.Config {
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
	if isServer {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			if len(raw) == len(trustedPeer.Raw) && string(raw) == string(trustedPeer.Raw) {
				return nil
			}
		}
		return ErrWrongPeerCertificate
	}
	return cfg
}
