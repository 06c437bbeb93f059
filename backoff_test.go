package mqlight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Run("walks the table and saturates", func(t *testing.T) {
		b := newBackoff([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second})

		assert.Equal(t, time.Second, b.current())
		assert.Equal(t, time.Second, b.fail())
		assert.Equal(t, 2*time.Second, b.fail())
		assert.Equal(t, 4*time.Second, b.fail())
		assert.Equal(t, 4*time.Second, b.fail())
		assert.Equal(t, 4*time.Second, b.current())
	})

	t.Run("reset", func(t *testing.T) {
		b := newBackoff(nil)
		b.fail()
		b.fail()
		b.reset()
		assert.Equal(t, DefaultBackoffTable[0], b.current())
	})
}

func TestSleeper(t *testing.T) {
	t.Run("wake cuts the sleep short", func(t *testing.T) {
		s := newSleeper()
		s.wake()

		start := time.Now()
		assert.True(t, s.sleep(context.Background(), time.Minute))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("wakes do not accumulate", func(t *testing.T) {
		s := newSleeper()
		s.wake()
		s.wake()

		assert.True(t, s.sleep(context.Background(), time.Minute))
		start := time.Now()
		assert.True(t, s.sleep(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.False(t, newSleeper().sleep(ctx, time.Minute))
		assert.False(t, sleepContext(ctx, time.Minute))
	})

	t.Run("sleepContext elapses", func(t *testing.T) {
		assert.True(t, sleepContext(context.Background(), time.Millisecond))
	})
}
