package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyLocksSerializeSameKey(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.Lock("a")

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a")
		close(acquired)
		release()
	}()
	require.Never(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, 30*time.Millisecond, 5*time.Millisecond)

	// A different key is not blocked.
	other := locks.Lock("b")
	other()

	unlock()
	require.Eventually(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestKeyLocksReleaseEntries(t *testing.T) {
	locks := newKeyLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("shared")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 64, counter)
	require.Zero(t, locks.size())
}
