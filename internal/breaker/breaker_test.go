package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpensAtThreshold(t *testing.T) {
	b := New(3)

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "breaker must stay closed below the threshold")

	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow(), "breaker must fail fast once open")
	assert.Equal(t, 3, b.Failures())
}

func TestSuccessResetsAndCloses(t *testing.T) {
	b := New(2)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	// No timed half-open: a success recorded by a probe call closes it.
	b.RecordSuccess()
	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow())
}

func TestSuccessResetsCounterWhileClosed(t *testing.T) {
	b := New(3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// Counter restarted after the success, so two more failures don't open it.
	assert.False(t, b.IsOpen())
}

func TestStaysOpenWithoutSuccess(t *testing.T) {
	b := New(1)
	b.RecordFailure()

	for i := 0; i < 5; i++ {
		assert.False(t, b.Allow(), "no timer may close the breaker")
	}

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestSetThreshold(t *testing.T) {
	b := New(10)
	b.SetThreshold(2)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	// Invalid thresholds are ignored.
	b.SetThreshold(0)
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestDefaultThreshold(t *testing.T) {
	b := New(0)
	for i := 0; i < DefaultThreshold-1; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.IsOpen())
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}
