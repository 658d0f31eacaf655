package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int) (*Breaker, *time.Time) {
	b := New(Config{
		FailureThreshold: threshold,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	assert.True(t, b.Allow("shell"))
	b.RecordFailure("shell")
	b.RecordFailure("shell")
	assert.True(t, b.Allow("shell"))

	b.RecordFailure("shell")
	assert.False(t, b.Allow("shell"))
}

func TestGearsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)

	b.RecordFailure("shell")
	assert.False(t, b.Allow("shell"))
	assert.True(t, b.Allow("browser"))
}

func TestClosesAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(1)

	b.RecordFailure("shell")
	assert.False(t, b.Allow("shell"))

	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("shell"))

	// Closed with a clean window; a single failure reopens it.
	b.RecordFailure("shell")
	assert.False(t, b.Allow("shell"))
}

func TestWindowExpiryResetsCount(t *testing.T) {
	b, now := newTestBreaker(2)

	b.RecordFailure("shell")
	*now = now.Add(2 * time.Minute)
	b.RecordFailure("shell")

	// Failures landed in different windows; still closed.
	assert.True(t, b.Allow("shell"))
}

func TestSuccessClearsWindow(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("shell")
	b.RecordSuccess("shell")
	b.RecordFailure("shell")
	assert.True(t, b.Allow("shell"))
}
