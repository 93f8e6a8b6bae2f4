package tunnel

import "errors"

// ErrNoActiveSession is returned by ServerTunnel.currentSession, and then
// logged and used to RST the connection, when a proxy connection arrives
// at the server with no live HTTP/2 session to carry it (I2).
var ErrNoActiveSession = errors.New("tunnel: no active session")

// ErrPreempted is recorded as a sessionResource's completion reason when
// it is torn down because a newer tunnel took its place, per the
// latest-wins rule (§4.5); ServerTunnel.preemptSession sets it before
// closing the superseded resource.
var ErrPreempted = errors.New("tunnel: preempted by newer tunnel")

// ErrPeerReset is the completion error StreamBridge reports when a stream
// or connection is torn down because its bridged peer (the far side of
// the tunnel) reported an error rather than ending cleanly (I5).
var ErrPeerReset = errors.New("tunnel: peer reset")

// ErrWrongPeerCertificate is returned when a TLS peer presents a
// certificate that does not match the pinned trusted-peer certificate.
var ErrWrongPeerCertificate = errors.New("tunnel: peer certificate does not match trusted certificate")
