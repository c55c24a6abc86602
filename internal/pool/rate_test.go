package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateWindow_Basic(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	w := newRateWindow(10 * time.Second)

	for i := 0; i < 5; i++ {
		w.add(base)
	}
	assert.InDelta(t, 0.5, w.rate(base), 0.001)

	// Spread across the window still counts in full.
	w.add(base.Add(3 * time.Second))
	w.add(base.Add(9 * time.Second))
	assert.InDelta(t, 0.7, w.rate(base.Add(9*time.Second)), 0.001)
}

func TestRateWindow_OldBucketsAgeOut(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	w := newRateWindow(10 * time.Second)

	for i := 0; i < 20; i++ {
		w.add(base)
	}
	assert.InDelta(t, 2.0, w.rate(base), 0.001)

	// Eleven seconds later the burst is outside the window.
	assert.Equal(t, 0.0, w.rate(base.Add(11*time.Second)))

	// Slots get reused after wrapping without double counting.
	w.add(base.Add(10 * time.Second))
	assert.InDelta(t, 0.1, w.rate(base.Add(10*time.Second)), 0.001)
}

func TestRateWindow_Reset(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	w := newRateWindow(10 * time.Second)
	w.add(base)
	w.add(base)
	w.reset()
	assert.Equal(t, 0.0, w.rate(base))
}

func TestRateWindow_TinyWindowClamped(t *testing.T) {
	t.Parallel()

	w := newRateWindow(100 * time.Millisecond)
	base := time.Unix(1_700_000_000, 0)
	w.add(base)
	assert.InDelta(t, 1.0, w.rate(base), 0.001)
}
