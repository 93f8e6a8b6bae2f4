package tunnel

import (
	"fmt"
	"sync/atomic"
)

// streamStats tracks the monotonic stream counter and the current open
// stream count for one endpoint, per the Supervisor state's streamCounter
// and activeStreams bookkeeping.
type streamStats struct {
	total int64
	open  int32
}

// next allocates the next monotonic stream id. Ids are observational only.
func (s *streamStats) next() int64 {
	return atomic.AddInt64(&s.total, 1)
}

func (s *streamStats) opened() {
	atomic.AddInt32(&s.open, 1)
}

func (s *streamStats) closed() {
	atomic.AddInt32(&s.open, -1)
}

func (s *streamStats) current() int32 {
	return atomic.LoadInt32(&s.open)
}

func (s *streamStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&s.open), atomic.LoadInt64(&s.total))
}
