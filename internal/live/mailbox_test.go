package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailboxDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewMailbox[int](3)
	for i := 1; i <= 5; i++ {
		m.Offer(i)
	}
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, uint64(2), m.Dropped())
	assert.Equal(t, []int{3, 4, 5}, m.Drain())
	assert.Nil(t, m.Drain())
}

func TestMailboxLatest(t *testing.T) {
	t.Parallel()
	m := NewMailbox[string](0)
	_, ok := m.Latest()
	assert.False(t, ok)
	m.Offer("a")
	m.Offer("b")
	v, ok := m.Latest()
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Zero(t, m.Len())
}

func TestMailboxSubscriber(t *testing.T) {
	t.Parallel()
	m := NewMailbox[uint64](4)
	fn := m.Subscriber(func(u *Update) uint64 { return u.Seq })
	assert.NoError(t, fn(&Update{Seq: 7}))
	assert.Equal(t, []uint64{7}, m.Drain())
}
