package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteBufferPoolReset(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("fetchflow")
	ByteBufferPool.Put(buf)

	again := ByteBufferPool.Get()
	defer ByteBufferPool.Put(again)
	assert.Zero(t, again.Len(), "归还的缓冲应被清空")
}

func TestPoolStats(t *testing.T) {
	p := NewPool(
		func() *bytes.Buffer { return &bytes.Buffer{} },
		func(b **bytes.Buffer) { (*b).Reset() },
	)

	first := p.Get()
	p.Put(first)
	second := p.Get()
	p.Put(second)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(2), stats.Puts)
	assert.Equal(t, int64(2), stats.Resets)
	assert.GreaterOrEqual(t, stats.News, int64(1))
}

func TestPoolHitRate(t *testing.T) {
	assert.Zero(t, PoolStats{}.HitRate(), "无取用时命中率为 0")
	assert.InDelta(t, 0.75, PoolStats{Gets: 4, News: 1}.HitRate(), 1e-9)
}
