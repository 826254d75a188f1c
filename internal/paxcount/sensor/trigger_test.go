package sensor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/sensor"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

func TestTrigger_DrainOnce(t *testing.T) {
	tr := sensor.NewTrigger(types.EventEntry)
	at := time.Date(2026, 4, 1, 7, 15, 0, 0, time.UTC)

	_, ok := tr.Drain()
	assert.False(t, ok)

	tr.Fire(at)
	assert.True(t, tr.Pending())

	got, ok := tr.Drain()
	assert.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = tr.Drain()
	assert.False(t, ok, "slot must be empty after drain")
}

func TestTrigger_LatestFireWins(t *testing.T) {
	tr := sensor.NewTrigger(types.EventExit)
	first := time.Date(2026, 4, 1, 7, 15, 0, 0, time.UTC)

	tr.Fire(first)
	tr.Fire(first.Add(time.Second))

	got, ok := tr.Drain()
	assert.True(t, ok)
	assert.True(t, got.Equal(first.Add(time.Second)))
}

func TestTrigger_ConcurrentFire(t *testing.T) {
	tr := sensor.NewTrigger(types.EventEntry)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Fire(time.Now())
		}()
	}
	wg.Wait()

	_, ok := tr.Drain()
	assert.True(t, ok)
	assert.False(t, tr.Pending())
}

func TestPair_For(t *testing.T) {
	p := sensor.NewPair()

	assert.Same(t, p.Entry, p.For(types.EventEntry))
	assert.Same(t, p.Exit, p.For(types.EventExit))
	assert.Nil(t, p.For(9))
	assert.Equal(t, types.EventExit, p.Exit.Kind())
}
