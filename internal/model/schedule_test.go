package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	sched, err := ParseSchedule("")
	require.NoError(t, err)
	assert.Nil(t, sched)

	sched, err = ParseSchedule("00:00-23:59>0=48")
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Equal(t, "00:00-23:59>0=48", sched.String())

	// Unparseable expressions are rejected, not silently ignored.
	for _, raw := range []string{
		"garbage",
		"00:00-23:59",          // no buckets
		"00:0023:59>0=48",      // no span separator
		"24:00-23:59>0=48",     // bad hour
		"00:00-23:61>0=48",     // bad minute
		"00:00-23:59>0",        // bad pair
		"00:00-23:59>x=48",     // bad priority
		"00:00-23:59>0=-5",     // negative amps
		"00:00-23:59>0=fortyA", // bad amps
	} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, "expression %q", raw)
		assert.True(t, IsCode(err, ErrCodeIllegalArguments), "expression %q", raw)
	}

	// A nil schedule renders as the empty expression.
	assert.Equal(t, "", (*Schedule)(nil).String())
}

func TestScheduleBucketsAt(t *testing.T) {
	sched, err := ParseSchedule("00:00-05:59>0=48;06:00-16:59>0=16:3=32:5=48")
	require.NoError(t, err)

	day := func(h, m int) time.Time { return time.Date(2025, 6, 2, h, m, 0, 0, time.UTC) }

	night := sched.BucketsAt(day(3, 30))
	require.Len(t, night, 1)
	assert.Equal(t, Bucket{Priority: 0, Amps: 48}, night[0])

	// Buckets come highest priority first; the head is the group ceiling.
	daytime := sched.BucketsAt(day(9, 0))
	require.Len(t, daytime, 3)
	assert.Equal(t, Bucket{Priority: 5, Amps: 48}, daytime[0])
	assert.Equal(t, Bucket{Priority: 3, Amps: 32}, daytime[1])
	assert.Equal(t, Bucket{Priority: 0, Amps: 16}, daytime[2])

	// The end minute is inclusive through its last second.
	assert.Len(t, sched.BucketsAt(day(16, 59)), 3)
	assert.Nil(t, sched.BucketsAt(day(17, 0)))

	amps, ok := sched.MaxAllocationAt(day(9, 0))
	assert.True(t, ok)
	assert.Equal(t, 48.0, amps)
	_, ok = sched.MaxAllocationAt(day(17, 0))
	assert.False(t, ok)
}

func TestAllocationForPriorityAt(t *testing.T) {
	sched, err := ParseSchedule("06:00-16:59>0=16:3=32:5=48")
	require.NoError(t, err)
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	// A connector draws from the first bucket its priority reaches.
	assert.Equal(t, 48.0, sched.AllocationForPriorityAt(at, 7))
	assert.Equal(t, 48.0, sched.AllocationForPriorityAt(at, 5))
	assert.Equal(t, 32.0, sched.AllocationForPriorityAt(at, 4))
	assert.Equal(t, 32.0, sched.AllocationForPriorityAt(at, 3))
	assert.Equal(t, 16.0, sched.AllocationForPriorityAt(at, 1))
	assert.Equal(t, 16.0, sched.AllocationForPriorityAt(at, 0))
	assert.Equal(t, 0.0, sched.AllocationForPriorityAt(at, -1))

	// Outside any interval there is no capacity at all.
	assert.Equal(t, 0.0, sched.AllocationForPriorityAt(at.Add(12*time.Hour), 5))
}

func TestAdjustTopOfHour(t *testing.T) {
	interval := 300 * time.Second

	got := adjustTopOfHour(time.Date(2025, 6, 2, 10, 20, 0, 0, time.UTC), interval)
	assert.True(t, got.Equal(time.Date(2025, 6, 2, 10, 57, 30, 0, time.UTC)), "got %v", got)

	got = adjustTopOfHour(time.Date(2025, 6, 2, 10, 59, 59, 0, time.UTC), interval)
	assert.True(t, got.Equal(time.Date(2025, 6, 2, 10, 57, 30, 0, time.UTC)), "got %v", got)

	// An instant exactly on the hour counts as its own next hour.
	got = adjustTopOfHour(time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC), interval)
	assert.True(t, got.Equal(time.Date(2025, 6, 2, 10, 57, 30, 0, time.UTC)), "got %v", got)
}
