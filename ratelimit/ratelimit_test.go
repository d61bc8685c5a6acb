package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/Seann-Moser/meetbot/testfixtures"
	"github.com/stretchr/testify/assert"
)

func TestLimiter_Burst(t *testing.T) {
	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	l := New(3, clock.NowFunc())

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("T1:U1"), "request %d", i)
	}
	assert.False(t, l.Allow("T1:U1"))
	assert.True(t, l.Allow("T1:U2"), "other keys have their own bucket")

	// a token comes back every 20 seconds at 3 a minute
	clock.Advance(21 * time.Second)
	assert.True(t, l.Allow("T1:U1"))
	assert.False(t, l.Allow("T1:U1"))
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(0, nil)
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.Zero(t, l.Prune(time.Minute))
	assert.Zero(t, l.Len())
}

func TestLimiter_Prune(t *testing.T) {
	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	l := New(10, clock.NowFunc())

	l.Allow("old")
	clock.Advance(30 * time.Minute)
	l.Allow("recent")

	assert.Equal(t, 1, l.Prune(10*time.Minute))
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_Concurrent(t *testing.T) {
	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	l := New(5, clock.NowFunc())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}
