package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocAndReset(t *testing.T) {
	a := newArena(64, 0)

	buf := a.Alloc(10, 1)
	require.NotNil(t, buf)
	assert.Equal(t, 10, len(buf))
	assert.Equal(t, 10, a.Len())

	// 对齐分配会先推进游标
	buf2 := a.Alloc(8, 8)
	require.NotNil(t, buf2)
	assert.Equal(t, 0, a.Len()%8)

	a.Reset()
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 64, a.Remaining())
}

func TestArenaAllocOverflow(t *testing.T) {
	a := newArena(16, 0)
	require.NotNil(t, a.Alloc(16, 1))

	// 溢出失败且无副作用
	before := a.Len()
	assert.Nil(t, a.Alloc(1, 1))
	assert.Equal(t, before, a.Len())
}

func TestArenaAllocCopy(t *testing.T) {
	a := newArena(8, 0)
	got := a.AllocCopy([]byte("abc"))
	require.NotNil(t, got)
	assert.Equal(t, []byte("abc"), got)
	assert.Nil(t, a.AllocCopy([]byte("too long!!")))
}

func TestManagerAvailableInvariant(t *testing.T) {
	m := NewManager(4, 32)
	assert.Equal(t, int64(4), m.Available())

	var held []*Arena
	for i := 0; i < 4; i++ {
		a := m.Get()
		require.NotNil(t, a)
		held = append(held, a)
		assert.Equal(t, int64(4-i-1), m.Available())
	}

	// 耗尽后 Get 失败，计数不变
	assert.Nil(t, m.Get())
	assert.Equal(t, int64(0), m.Available())

	for i, a := range held {
		m.Release(a)
		assert.Equal(t, int64(i+1), m.Available())
	}
}

func TestManagerReleaseResetsArena(t *testing.T) {
	m := NewManager(1, 32)
	a := m.Get()
	require.NotNil(t, a)
	require.NotNil(t, a.Alloc(20, 1))

	m.Release(a)
	got := m.Get()
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Len())
}

func TestManagerReleaseObserver(t *testing.T) {
	m := NewManager(1, 32)
	fired := 0
	m.OnRelease(func() { fired++ })

	a := m.Get()
	require.NotNil(t, a)
	m.Release(a)
	assert.Equal(t, 1, fired)

	// 重复释放不触发观察者
	m.Release(a)
	assert.Equal(t, 1, fired)
	assert.Equal(t, int64(1), m.Available())
}
