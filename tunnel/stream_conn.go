package tunnel

import (
	"io"
	"sync"
)

// streamConn wraps one HTTP/2 stream (in either role) as a
// io.ReadWriteCloser with an independent half-close and a forceful
// destroy, matching the vocabulary StreamBridge needs regardless of which
// side of the tunnel it runs on.
type streamConn struct {
	reader io.ReadCloser
	writer io.Writer

	// closeWrite ends this stream's outbound direction cleanly
	// (END_STREAM). nil means the underlying role cannot do this
	// independently of a full close (see h2ServerSession.serveHTTP).
	closeWrite func() error

	// destroy forces the whole stream closed with RST_STREAM semantics.
	destroy func()

	mu          sync.Mutex
	writeClosed bool
	readClosed  bool
	destroyed   bool
	err         error // reason Destroy was called, if any

	done      chan struct{} // closed once the stream is fully finished
	destroyCh chan struct{} // server-role only: signals serveHTTP to abort
	closeOnce sync.Once
}

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	if err != nil {
		c.mu.Lock()
		c.readClosed = true
		writeClosed := c.writeClosed
		c.mu.Unlock()
		if writeClosed {
			c.finish()
		}
	}
	return n, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// CloseWrite ends the outbound direction cleanly (§4.4's "end" action). It
// is a no-op if already write-closed.
func (c *streamConn) CloseWrite() error {
	c.mu.Lock()
	if c.writeClosed {
		c.mu.Unlock()
		return nil
	}
	c.writeClosed = true
	readClosed := c.readClosed
	c.mu.Unlock()

	var err error
	if c.closeWrite != nil {
		err = c.closeWrite()
	}
	if readClosed {
		// Server role's closeWrite is nil: golang.org/x/net/http2's
		// server Handler API has no independent half-close, so the real
		// END_STREAM is deferred until both directions are done; if the
		// read side already finished, that moment is now.
		c.finish()
	}
	return err
}

// Destroy forces RST_STREAM semantics (§4.4's "error" action on this
// side). err is recorded as the stream's completion reason (see Err) and
// is safe to be nil. Safe to call Destroy more than once.
func (c *streamConn) Destroy(err error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.err = err
	c.mu.Unlock()

	if c.destroy != nil {
		c.destroy()
		c.finish()
		return
	}
	// Server role: closing destroyCh wakes serveHTTP's blocking select,
	// which calls finish() itself right before aborting the handler, so
	// Done() only fires once the RST_STREAM path has actually committed.
	c.reader.Close()
	if c.destroyCh != nil {
		close(c.destroyCh)
	}
}

// Close implements io.Closer for callers that just want a clean shutdown;
// it is equivalent to CloseWrite followed by allowing the read side to
// drain naturally, matching the io.ReadWriteCloser contract StreamBridge
// relies on for the TCP side of a pair.
func (c *streamConn) Close() error {
	return c.CloseWrite()
}

// finish marks the stream fully done, unblocking anything waiting on
// Done() (StreamBridge's terminal cleanup, and, for the server role,
// serveHTTP's blocking select).
func (c *streamConn) finish() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done returns a channel closed when the stream is fully terminated: both
// directions ended cleanly, or Destroy was called.
func (c *streamConn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason Destroy was called, or nil if the stream ended
// cleanly (or hasn't ended yet). Safe for use with errors.Is/errors.As.
func (c *streamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
