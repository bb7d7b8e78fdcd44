package session

import (
	"testing"
	"time"

	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/dynamic"
	"github.com/Udo/wasapi/internal/fileio"
	"github.com/Udo/wasapi/internal/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	cfg := config.Default()
	cfg.Session.StoragePath = t.TempDir()
	return NewStore(config.NewStore(cfg), fileio.NewCache(1024*1024, time.Minute))
}

func TestSessionStartIssuesCookie(t *testing.T) {
	s := newTestStore(t)
	r := request.New(nil, 1)

	require.True(t, s.Start(r))
	assert.Len(t, r.SessionID, 32)

	sc := r.Headers.Find("Set-Cookie")
	require.NotNil(t, sc)
	assert.Contains(t, sc.ToString(), "session_id="+r.SessionID)
	assert.Contains(t, sc.ToString(), "HttpOnly")
}

func TestSessionStartReusesCookieID(t *testing.T) {
	s := newTestStore(t)
	r := request.New(nil, 1)
	r.Cookies.SetString("session_id", "deadbeefdeadbeefdeadbeefdeadbeef")

	require.True(t, s.Start(r))
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", r.SessionID)
	// Cookie 已存在，不再补发
	assert.Nil(t, r.Headers.Find("Set-Cookie"))
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	r := request.New(nil, 1)
	require.True(t, s.Start(r))
	r.Session.SetString("user", "udo")
	r.Session.Set("visits", dynamic.NewNumber(3))
	require.True(t, s.Save(r))

	// 新请求携带同一会话标识
	r2 := request.New(nil, 2)
	r2.SessionID = r.SessionID
	require.True(t, s.Load(r2))
	assert.Equal(t, "udo", r2.Session.Find("user").ToString())
	assert.Equal(t, 3.0, r2.Session.Find("visits").ToNumber(0))
}

func TestSessionClear(t *testing.T) {
	s := newTestStore(t)
	r := request.New(nil, 1)
	require.True(t, s.Start(r))
	r.Session.SetString("k", "v")
	require.True(t, s.Save(r))

	id := r.SessionID
	require.True(t, s.Clear(r))
	assert.Empty(t, r.SessionID)
	assert.Equal(t, 0, r.Session.Len())

	r2 := request.New(nil, 2)
	r2.SessionID = id
	assert.False(t, s.Load(r2))
}

func TestSessionSaveWithoutID(t *testing.T) {
	s := newTestStore(t)
	r := request.New(nil, 1)
	assert.False(t, s.Save(r))
	assert.False(t, s.Load(r))
}
