package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int

	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, c.PendingCount())

	c.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeClock_Stop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeClock_ResetAfterFire(t *testing.T) {
	c := Fake(epoch)
	count := 0
	timer := c.AfterFunc(time.Second, func() { count++ })

	c.Advance(time.Second)
	assert.Equal(t, 1, count)

	assert.False(t, timer.Reset(time.Second))
	c.Advance(time.Second)
	assert.Equal(t, 2, count)
}

func TestFakeClock_CallbackSchedulesTimer(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var rearm func()
	rearm = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, rearm)
		}
	}
	c.AfterFunc(time.Second, rearm)

	c.Advance(time.Second)
	assert.Equal(t, 1, count)
	c.Advance(5 * time.Second)
	// Rearmed deadlines are measured from the advanced time.
	assert.Equal(t, 2, count)
	c.Advance(time.Second)
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, c.PendingCount())
}

func TestTimer_NilStop(t *testing.T) {
	var timer *Timer
	assert.False(t, timer.Stop())
}
