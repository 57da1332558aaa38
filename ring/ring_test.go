package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOffsetOf(t *testing.T) {
	assert := assert.New(t)
	r := Ring{Start: 100, Size: 64}
	assert.Equal(uint64(100), r.OffsetOf(0))
	assert.Equal(uint64(163), r.OffsetOf(63))
	assert.Equal(uint64(100), r.OffsetOf(64), "wraps to start")
	assert.Equal(uint64(101), r.OffsetOf(65))
}

func TestWouldWrap(t *testing.T) {
	assert := assert.New(t)
	r := Ring{Start: 100, Size: 64}
	assert.False(r.WouldWrap(0, 64))
	assert.True(r.WouldWrap(1, 64))
	assert.False(r.WouldWrap(60, 4))
	assert.True(r.WouldWrap(60, 5))
	assert.Equal(uint64(4), r.SpaceToEnd(60))
}

func TestOverflow(t *testing.T) {
	assert := assert.New(t)
	r := Ring{Start: 0, Size: 16}
	assert.False(r.Overflows(0, 0, 16))
	assert.True(r.Overflows(0, 0, 17))
	assert.True(r.Overflows(0, 10, 7))
	assert.Equal(uint64(6), r.Free(0, 10))

	// lsids far past one wrap still work
	assert.False(r.Overflows(1000, 1010, 6))
	assert.True(r.Overflows(1000, 1010, 7))
}
