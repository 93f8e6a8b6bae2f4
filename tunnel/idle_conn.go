package tunnel

import (
	"net"
	"time"
)

// idleConn slides a read deadline forward on every successful Read, turning
// a plain socket timeout into an idle timeout: as long as some byte arrives
// at least every timeout interval (traffic, or a keepalive PING per §4.2/
// §4.3), the connection stays alive; total silence past timeout fails the
// next Read, which is how a dead tunnel surfaces without either endpoint
// exchanging an explicit "goodbye".
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}
