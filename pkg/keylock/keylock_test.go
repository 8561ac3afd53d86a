package keylock_test

import (
	"sync"
	"testing"

	"github.com/dukex/devicehub/pkg/keylock"
	"github.com/stretchr/testify/assert"
)

func TestMap_SerialisesSameKey(t *testing.T) {
	locks := keylock.New()

	var (
		wg      sync.WaitGroup
		counter int
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock := locks.Lock("exec-1")
			defer unlock()

			counter++
		}()
	}

	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locks.Len())
}

func TestMap_IndependentKeys(t *testing.T) {
	locks := keylock.New()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")

	assert.Equal(t, 2, locks.Len())

	unlockA()
	unlockB()

	assert.Equal(t, 0, locks.Len())
}
