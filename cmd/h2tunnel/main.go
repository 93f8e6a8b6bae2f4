// Command h2tunnel runs either end of a mutually-authenticated HTTP/2
// tunnel: "server" accepts the tunnel and re-exposes it as a public proxy
// port; "client" dials the tunnel and forwards its streams to a local
// origin service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/boronine/h2tunnel/tunnel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "h2tunnel:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <client|server> [flags]\n", os.Args[0])
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	crt := fs.String("crt", "", "path to the shared certificate (required)")
	key := fs.String("key", "", "path to the shared private key (required)")
	tunnelIP := fs.String("tunnel-listen-ip", "::0", "tunnel listen IP")
	tunnelPort := fs.Int("tunnel-listen-port", tunnel.DefaultTunnelPort, "tunnel listen port")
	proxyIP := fs.String("proxy-listen-ip", "::0", "proxy listen IP")
	proxyPort := fs.Int("proxy-listen-port", 0, "proxy listen port (required)")
	metricsAddr := fs.String("metrics-listen-addr", "", "Prometheus metrics listen address (empty disables)")
	logLevel := fs.String("log-level", "info", "log level: error, warning, info, debug")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *crt == "" || *key == "" {
		return fmt.Errorf("--crt and --key are required")
	}
	if *proxyPort == 0 {
		return fmt.Errorf("--proxy-listen-port is required")
	}

	cert, peerCert, err := loadIdentity(*crt, *key)
	if err != nil {
		return err
	}

	logger := tunnel.NewLogger("server", tunnel.StringToLogLevel(*logLevel))
	cfg := tunnel.ServerConfig{
		TLSCert:           cert,
		TrustedPeerCert:   peerCert,
		TunnelListenAddr:  fmt.Sprintf("[%s]:%d", *tunnelIP, *tunnelPort),
		ProxyListenAddr:   fmt.Sprintf("[%s]:%d", *proxyIP, *proxyPort),
		MetricsListenAddr: *metricsAddr,
		Logger:            logger,
	}

	server, err := tunnel.NewServerTunnel(cfg)
	if err != nil {
		return err
	}
	return runUntilSignal(server)
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	crt := fs.String("crt", "", "path to the shared certificate (required)")
	key := fs.String("key", "", "path to the shared private key (required)")
	tunnelHost := fs.String("tunnel-host", "", "tunnel server host (required)")
	tunnelPort := fs.Int("tunnel-port", tunnel.DefaultTunnelPort, "tunnel server port")
	originHost := fs.String("origin-host", "localhost", "origin service host")
	originPort := fs.Int("origin-port", 0, "origin service port (required)")
	metricsAddr := fs.String("metrics-listen-addr", "", "Prometheus metrics listen address (empty disables)")
	logLevel := fs.String("log-level", "info", "log level: error, warning, info, debug")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *crt == "" || *key == "" {
		return fmt.Errorf("--crt and --key are required")
	}
	if *tunnelHost == "" {
		return fmt.Errorf("--tunnel-host is required")
	}
	if *originPort == 0 {
		return fmt.Errorf("--origin-port is required")
	}

	cert, peerCert, err := loadIdentity(*crt, *key)
	if err != nil {
		return err
	}

	logger := tunnel.NewLogger("client", tunnel.StringToLogLevel(*logLevel))
	cfg := tunnel.ClientConfig{
		TLSCert:           cert,
		TrustedPeerCert:   peerCert,
		TunnelHost:        *tunnelHost,
		TunnelPort:        *tunnelPort,
		OriginHost:        *originHost,
		OriginPort:        *originPort,
		MetricsListenAddr: *metricsAddr,
		Logger:            logger,
	}

	client, err := tunnel.NewClientTunnel(cfg)
	if err != nil {
		return err
	}
	return runUntilSignal(client)
}

// endpoint is the subset of ServerTunnel/ClientTunnel's API the CLI needs;
// both satisfy it with their own Start and Stop methods.
type endpoint interface {
	Start() error
	Stop()
}

func runUntilSignal(e endpoint) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// loadIdentity reads the shared certificate/key pair used as both this
// endpoint's identity and the sole trust anchor for its peer (§6): cert and
// key file loading is an out-of-scope external collaborator for the tunnel
// package itself, so the CLI is the one place that touches the filesystem
// for it.
func loadIdentity(crtPath, keyPath string) (tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(crtPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("loading certificate/key: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, leaf, nil
}
