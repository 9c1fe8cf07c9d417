package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	// Must not panic against a real histogram.
	timer.ObserveDuration(JobDuration)
}
