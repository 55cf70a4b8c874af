package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var order []int

	f.AfterFunc(300*time.Millisecond, func() { order = append(order, 3) })
	f.AfterFunc(100*time.Millisecond, func() { order = append(order, 1) })
	f.AfterFunc(200*time.Millisecond, func() { order = append(order, 2) })

	f.Advance(250 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)

	f.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, time.Unix(0, 0).Add(1250*time.Millisecond), f.Now())
}

func TestFake_StopPreventsFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })

	require.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop reports false")

	f.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, f.Pending())
}

func TestFake_CallbackSchedulesFollowUp(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			f.AfterFunc(100*time.Millisecond, tick)
		}
	}
	f.AfterFunc(100*time.Millisecond, tick)

	f.Advance(time.Second)
	assert.Equal(t, 3, count)
}

func TestSleep_FakeClock(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), f, time.Second) }()

	require.True(t, f.BlockUntil(1, time.Second))
	f.Advance(time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, f, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
