package subscription

import (
	"sync"

	"github.com/coachpo/subhub/internal/domain/schema"
)

// streamShares counts the live push entries mapped onto each exchange stream.
// Distinct keys can resolve to one stream (klines with and without the default
// interval, a ticker with an extra param), so a stream is opened by its first
// holder and closed only when its last holder leaves.
type streamShares struct {
	locks *keyLocks

	mu   sync.Mutex
	refs map[string]int
}

func newStreamShares() *streamShares {
	return &streamShares{locks: newKeyLocks(), refs: make(map[string]int)}
}

func streamID(exchangeName string, typ schema.DataType, stream string) string {
	return exchangeName + "|" + string(typ) + "|" + stream
}

// acquire takes a reference on id. open runs for the first holder only; when it
// fails no reference is taken. shared reports that the stream was already open.
func (s *streamShares) acquire(id string, open func() error) (shared bool, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if s.count(id) > 0 {
		s.mu.Lock()
		s.refs[id]++
		s.mu.Unlock()
		return true, nil
	}
	if err := open(); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.refs[id] = 1
	s.mu.Unlock()
	return false, nil
}

// release drops a reference on id. closeFn runs when the last holder leaves;
// remaining is the number of holders still on the stream.
func (s *streamShares) release(id string, closeFn func() error) (remaining int, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	remaining = s.refs[id] - 1
	if remaining > 0 {
		s.refs[id] = remaining
	} else {
		delete(s.refs, id)
	}
	s.mu.Unlock()
	if remaining > 0 {
		return remaining, nil
	}
	return 0, closeFn()
}

func (s *streamShares) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[id]
}

func (s *streamShares) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}
