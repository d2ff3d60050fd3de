package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(2 * time.Minute)
	require.Equal(t, 1, f.pending())

	f.Advance(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Minute)
	select {
	case got := <-ch:
		assert.True(t, got.Equal(start.Add(2*time.Minute)))
	default:
		t.Fatal("timer did not fire")
	}
	assert.Zero(t, f.pending())
}

func TestFake_NonPositiveDurationFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) should be ready")
	}
	assert.Zero(t, f.pending())
}

func TestFake_BlockUntil(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	done := make(chan struct{})
	go func() {
		f.BlockUntil(1)
		close(done)
	}()

	f.After(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not return")
	}
}

func TestFake_SetMovesForward(t *testing.T) {
	start := time.Unix(1000, 0)
	f := NewFake(start)
	ch := f.After(10 * time.Second)

	f.Set(start.Add(30 * time.Second))

	assert.Equal(t, start.Add(30*time.Second), f.Now())
	select {
	case <-ch:
	default:
		t.Fatal("timer due before Set target did not fire")
	}
}
