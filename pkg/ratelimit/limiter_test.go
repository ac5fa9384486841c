package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(3, time.Hour)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "bucket exhausted")
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(100, 100*time.Millisecond)

	for i := 0; i < 100; i++ {
		assert.True(t, tb.Allow())
	}
	assert.False(t, tb.Allow())

	time.Sleep(120 * time.Millisecond)
	assert.True(t, tb.Allow(), "tokens refill over time")
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	tb.Reset()
	assert.True(t, tb.Allow())
}

func TestTokenBucketWait(t *testing.T) {
	tb := NewTokenBucket(2, 50*time.Millisecond)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())

	done := make(chan struct{})
	go func() {
		tb.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after refill")
	}
}

func TestSlidingWindowAllow(t *testing.T) {
	sw := NewSlidingWindow(2, time.Hour)

	assert.True(t, sw.Allow())
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow())
}

func TestSlidingWindowEviction(t *testing.T) {
	sw := NewSlidingWindow(2, 30*time.Millisecond)

	assert.True(t, sw.Allow())
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow())

	time.Sleep(50 * time.Millisecond)
	assert.True(t, sw.Allow(), "old requests leave the window")
}

func TestSlidingWindowReset(t *testing.T) {
	sw := NewSlidingWindow(1, time.Hour)
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow())

	sw.Reset()
	assert.True(t, sw.Allow())
}
