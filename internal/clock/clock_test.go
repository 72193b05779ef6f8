package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.UnixMilli(0)
	f := NewFake(start)

	ch := f.After(10 * time.Second)
	require.Equal(t, 1, f.Waiters())

	f.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(10*time.Second), got)
	default:
		t.Fatal("waiter did not fire")
	}
	assert.Zero(t, f.Waiters())
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(time.UnixMilli(42))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
