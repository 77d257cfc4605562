package chainsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karstlabs/karst/utils/unittest"
)

func TestPeerSync_CommonNumberMonotonic(t *testing.T) {
	p := newPeerSync(unittest.PeerIDFixture(), unittest.HashFixture(), 100, 64)

	p.UpdateCommonNumber(50)
	assert.Equal(t, uint64(50), p.CommonNumber)

	// Never lowered.
	p.UpdateCommonNumber(30)
	assert.Equal(t, uint64(50), p.CommonNumber)
}

func TestPeerSync_AnnounceCacheEvicts(t *testing.T) {
	p := newPeerSync(unittest.PeerIDFixture(), unittest.HashFixture(), 100, 2)

	first := unittest.HashFixture()
	second := unittest.HashFixture()
	third := unittest.HashFixture()

	p.RememberAnnounce(first)
	p.RememberAnnounce(second)
	assert.True(t, p.RecentlyAnnounced(first))

	// The cache only keeps the most recent announcements.
	p.RememberAnnounce(third)
	assert.False(t, p.RecentlyAnnounced(first))
	assert.True(t, p.RecentlyAnnounced(second))
	assert.True(t, p.RecentlyAnnounced(third))
}
