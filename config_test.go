package tinyweb

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestProfileConcurrency(t *testing.T) {
	assert.Eq(t, 2, ProfileTiny.Concurrency())
	assert.Eq(t, 8, ProfileSmall.Concurrency())
	assert.Eq(t, 64, ProfileStandard.Concurrency())
	// Unknown profiles take the safe small sizing.
	assert.Eq(t, 2, Profile("exotic").Concurrency())
	assert.Eq(t, 2, Profile("").Concurrency())
}

func TestProfileBacklogExceedsConcurrency(t *testing.T) {
	for _, p := range []Profile{ProfileTiny, ProfileSmall, ProfileStandard} {
		c := p.Concurrency()
		assert.True(t, p.Backlog(c) > c, string(p))
		assert.True(t, p.Backlog(0) > c, string(p))
	}
}

func TestServerLimitResolution(t *testing.T) {
	s := &Server{Profile: ProfileSmall}
	assert.Eq(t, 8, s.concurrencyLimit())
	assert.Eq(t, 16, s.backlogSize())

	s = &Server{Profile: ProfileSmall, Concurrency: 3, Backlog: 40}
	assert.Eq(t, 3, s.concurrencyLimit())
	assert.Eq(t, 40, s.backlogSize())
}
