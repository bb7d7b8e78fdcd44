package ws

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/request"
	"github.com/Udo/wasapi/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMessage struct {
	body        string
	messageType string
}

// newTestEngine 返回引擎和一个按到达顺序记录处理器调用的收集器
func newTestEngine(t *testing.T, maxInFlight int) (*Engine, func() []capturedMessage) {
	var mu sync.Mutex
	var got []capturedMessage
	h := func(r *request.Request, out *[]byte) {
		mu.Lock()
		got = append(got, capturedMessage{
			body:        string(r.Body),
			messageType: r.Env.Find("MESSAGE_TYPE").ToString(),
		})
		mu.Unlock()
		*out = append(*out, "echo:"...)
		*out = append(*out, r.Body...)
	}
	pool := worker.NewPool()
	pool.Start(2)
	t.Cleanup(pool.Shutdown)
	e := NewEngine(config.NewStore(config.Default()), arena.NewManager(maxInFlight, 4096), pool, nil, h)
	return e, func() []capturedMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedMessage(nil), got...)
	}
}

func waitMessages(t *testing.T, messages func() []capturedMessage, n int) []capturedMessage {
	require.Eventually(t, func() bool { return len(messages()) == n }, time.Second, time.Millisecond)
	return messages()
}

// waitPendingFrames 等 worker 把响应帧发布到待发列表
func waitPendingFrames(t *testing.T, e *Engine, n int) []pendingFrame {
	var got []pendingFrame
	require.Eventually(t, func() bool {
		e.pendingMu.Lock()
		defer e.pendingMu.Unlock()
		got = append([]pendingFrame(nil), e.pending...)
		return len(got) == n
	}, time.Second, time.Millisecond)
	return got
}

func TestHandshakeUpgradeScenario(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	c := newClient(-1)
	c.inBuf = []byte("GET /x HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")

	e.processInput(c)
	require.True(t, c.handshakeDone)
	assert.Contains(t, string(c.outBuf), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	assert.Empty(t, c.inBuf)
}

func handshake(t *testing.T, e *Engine, c *Client) {
	c.inBuf = append(c.inBuf, []byte("GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")...)
	e.processInput(c)
	require.True(t, c.handshakeDone)
	c.outBuf = nil
}

func TestSingleFrameDispatch(t *testing.T) {
	e, messages := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)

	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpText, []byte("ping me"), true), [4]byte{1, 2, 3, 4})...)
	e.processInput(c)

	got := waitMessages(t, messages, 1)
	assert.Equal(t, "ping me", got[0].body)
	assert.Equal(t, "text", got[0].messageType)

	// 响应以同操作码装帧发布到待发列表
	pending := waitPendingFrames(t, e, 1)
	f, _, ok := DecodeFrame(pending[0].frame)
	require.True(t, ok)
	assert.True(t, f.FIN)
	assert.Equal(t, uint8(OpText), f.Opcode)
	assert.Equal(t, "echo:ping me", string(f.Payload))
}

func TestFragmentedMessageScenario(t *testing.T) {
	e, messages := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)

	// He / ll / o 三段分片，处理器只被调用一次
	key := [4]byte{9, 8, 7, 6}
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpText, []byte("He"), false), key)...)
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpContinuation, []byte("ll"), false), key)...)
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpContinuation, []byte("o"), true), key)...)
	e.processInput(c)

	got := waitMessages(t, messages, 1)
	assert.Equal(t, "Hello", got[0].body)
	assert.Equal(t, "text", got[0].messageType)
	assert.False(t, c.assembling)
}

func TestContinuationWithoutAssemblyCloses(t *testing.T) {
	e, messages := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)

	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpContinuation, []byte("x"), true), [4]byte{1, 1, 1, 1})...)
	e.processInput(c)
	assert.True(t, c.closed.Load())
	assert.Empty(t, messages())
}

func TestPingGetsPong(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)

	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpPing, []byte("p1"), true), [4]byte{5, 5, 5, 5})...)
	e.processInput(c)

	f, _, ok := DecodeFrame(c.outBuf)
	require.True(t, ok)
	assert.Equal(t, uint8(OpPong), f.Opcode)
	assert.Equal(t, "p1", string(f.Payload))
}

func TestPongDiscarded(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpPong, []byte("x"), true), [4]byte{5, 5, 5, 5})...)
	e.processInput(c)
	assert.Empty(t, c.outBuf)
	assert.False(t, c.closed.Load())
}

func TestCloseFrameMarksClosed(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpClose, nil, true), [4]byte{5, 5, 5, 5})...)
	e.processInput(c)
	// 收到关闭帧只标记关闭，不回发关闭帧
	assert.True(t, c.closed.Load())
	assert.Empty(t, c.outBuf)
}

func TestBinaryMessageType(t *testing.T) {
	e, messages := newTestEngine(t, 2)
	c := newClient(-1)
	handshake(t, e, c)
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpBinary, []byte{0, 1, 2}, true), [4]byte{5, 5, 5, 5})...)
	e.processInput(c)
	got := waitMessages(t, messages, 1)
	assert.Equal(t, "binary", got[0].messageType)
}

func TestArenaExhaustionDropsMessage(t *testing.T) {
	e, messages := newTestEngine(t, 1)
	held := e.arenas.Get()
	require.NotNil(t, held)

	c := newClient(-1)
	handshake(t, e, c)
	c.inBuf = append(c.inBuf, maskFrame(BuildFrame(OpText, []byte("dropped"), true), [4]byte{5, 5, 5, 5})...)
	e.processInput(c)

	// 尽力而为：消息被丢弃，连接不关闭
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, messages())
	assert.False(t, c.closed.Load())
	e.arenas.Release(held)
}

func TestHTTPPlainModeDispatch(t *testing.T) {
	e, messages := newTestEngine(t, 2)
	c := newClient(-1)
	c.inBuf = []byte("POST /submit HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello")

	e.processInput(c)
	require.True(t, c.httpPlain)

	got := waitMessages(t, messages, 1)
	assert.Equal(t, "hello", got[0].body)

	pending := waitPendingFrames(t, e, 1)
	assert.True(t, pending[0].close)
	resp := string(pending[0].frame)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(resp, "echo:hello"))
}

func TestHTTPPlainModeWaitsForBody(t *testing.T) {
	e, messages := newTestEngine(t, 2)
	c := newClient(-1)
	c.inBuf = []byte("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nhalf")
	e.processInput(c)
	assert.Empty(t, messages())

	c.inBuf = append(c.inBuf, []byte("-body!")...)
	e.processInput(c)
	got := waitMessages(t, messages, 1)
	assert.Equal(t, "half-body!", got[0].body)
}
