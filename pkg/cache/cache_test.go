package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrLoadCachesValue(t *testing.T) {
	c := New(DefaultConfig())
	loads := 0
	load := func() (interface{}, error) {
		loads++
		return "payload", nil
	}

	value, hit, err := c.GetOrLoad("device://d1/health", "alice", 0, load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "payload", value)

	value, hit, err = c.GetOrLoad("device://d1/health", "alice", 0, load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "payload", value)
	assert.Equal(t, 1, loads)
}

func TestIdentityScoping(t *testing.T) {
	c := New(DefaultConfig())
	loads := 0
	load := func() (interface{}, error) {
		loads++
		return loads, nil
	}

	_, _, err := c.GetOrLoad("device://d1/health", "alice", 0, load)
	require.NoError(t, err)
	_, hit, err := c.GetOrLoad("device://d1/health", "bob", 0, load)
	require.NoError(t, err)
	assert.False(t, hit, "different identities do not share entries")
	assert.Equal(t, 2, loads)
}

func TestTTLExpiry(t *testing.T) {
	c := New(DefaultConfig())
	loads := 0
	load := func() (interface{}, error) {
		loads++
		return "payload", nil
	}

	_, _, err := c.GetOrLoad("device://d1/config", "alice", 20*time.Millisecond, load)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, hit, err := c.GetOrLoad("device://d1/config", "alice", 20*time.Millisecond, load)
	require.NoError(t, err)
	assert.False(t, hit, "entry should have expired")
	assert.Equal(t, 2, loads)
}

func TestInvalidateDevice(t *testing.T) {
	c := New(DefaultConfig())
	load := func() (interface{}, error) { return "x", nil }

	_, _, _ = c.GetOrLoad("device://d1/health", "alice", 0, load)
	_, _, _ = c.GetOrLoad("device://d1/config", "alice", 0, load)
	_, _, _ = c.GetOrLoad("device://d2/health", "alice", 0, load)

	c.InvalidateDevice("d1")

	_, hit, _ := c.GetOrLoad("device://d1/health", "alice", 0, load)
	assert.False(t, hit)
	_, hit, _ = c.GetOrLoad("device://d2/health", "alice", 0, load)
	assert.True(t, hit, "other devices' entries survive")
}

func TestColdMissCoalescing(t *testing.T) {
	c := New(DefaultConfig())
	var loads int32
	release := make(chan struct{})

	load := func() (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return "payload", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := c.GetOrLoad("device://d1/health", "alice", 0, load)
			assert.NoError(t, err)
			assert.Equal(t, "payload", value)
		}()
	}

	// Give the goroutines time to pile onto the singleflight key
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads), "concurrent misses share one load")
}

func TestLoadErrorNotCached(t *testing.T) {
	c := New(DefaultConfig())
	calls := 0

	_, _, err := c.GetOrLoad("device://d1/health", "alice", 0, func() (interface{}, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	_, hit, err := c.GetOrLoad("device://d1/health", "alice", 0, func() (interface{}, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}
