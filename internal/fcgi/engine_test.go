package fcgi

import (
	"testing"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/request"
	"github.com/Udo/wasapi/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 最小回显场景的线上字节串：BEGIN_REQUEST id=1 role=1 flags=0、
// PARAMS id=1 空记录、STDIN id=1 空记录
var (
	beginRequestID1 = []byte{0x01, 0x01, 0x00, 0x01, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	paramsEndID1    = []byte{0x01, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	stdinEndID1     = []byte{0x01, 0x05, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
)

func echoHandler(r *request.Request, out *[]byte) {
	*out = AppendStdout(*out, r.ID, []byte("OK"))
	*out = AppendEndRequest(*out, r.ID, 0, StatusRequestComplete)
	r.SetFlags(request.Responded)
}

func newTestEngine(t *testing.T, maxInFlight int, h Handler) *Engine {
	cfg := config.Default()
	cfg.Limits.MaxInFlight = maxInFlight
	cfg.Limits.ArenaCapacity = 4096
	pool := worker.NewPool()
	pool.Start(2)
	t.Cleanup(pool.Shutdown)
	return NewEngine(config.NewStore(cfg), arena.NewManager(maxInFlight, 4096), pool, nil, nil, nil, h)
}

// waitPending 等 worker 把请求发布到待发列表后在 IO 侧消化
func waitPending(t *testing.T, e *Engine) {
	require.Eventually(t, func() bool {
		e.pendingMu.Lock()
		defer e.pendingMu.Unlock()
		return len(e.pending) > 0
	}, time.Second, time.Millisecond)
	e.processPending()
}

// collectRecords 把输出缓冲解析成 (type, id, content) 序列
type outRecord struct {
	typ     uint8
	id      uint16
	content []byte
}

func collectRecords(t *testing.T, buf []byte) []outRecord {
	var out []outRecord
	for len(buf) > 0 {
		h, ok := ParseHeader(buf)
		require.True(t, ok)
		total := HeaderSize + int(h.ContentLength) + int(h.PaddingLength)
		require.GreaterOrEqual(t, len(buf), total)
		out = append(out, outRecord{h.Type, h.RequestID, buf[HeaderSize : HeaderSize+int(h.ContentLength)]})
		buf = buf[total:]
	}
	return out
}

func TestMinimalEchoScenario(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)
	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = append(c.inBuf, paramsEndID1...)
	c.inBuf = append(c.inBuf, stdinEndID1...)

	require.True(t, e.processBuffer(c))
	assert.Empty(t, c.inBuf)

	waitPending(t, e)

	recs := collectRecords(t, c.outBuf)
	require.Len(t, recs, 3)
	assert.Equal(t, outRecord{TypeStdout, 1, []byte("OK")}, recs[0])
	assert.Equal(t, outRecord{TypeStdout, 1, nil}, outRecord{recs[1].typ, recs[1].id, nil})
	assert.Empty(t, recs[1].content)
	assert.Equal(t, uint8(TypeEndRequest), recs[2].typ)
	assert.Equal(t, byte(StatusRequestComplete), recs[2].content[4])

	// 请求已响应，竞技场在清扫后归还
	r := c.requests[1]
	require.NotNil(t, r)
	assert.True(t, r.Has(request.Responded))
	require.Eventually(t, func() bool { return !r.WorkerActive.Load() }, time.Second, time.Millisecond)
	e.sweepRequests(c)
	assert.Empty(t, c.requests)
	assert.Equal(t, int64(4), e.arenas.Available())
}

func TestParamsDecoding(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)

	var pairs []byte
	pairs = EncodeNameValue(pairs, "REQUEST_METHOD", "GET")
	pairs = EncodeNameValue(pairs, "QUERY_STRING", "a=1")
	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = AppendRecord(c.inBuf, TypeParams, 1, pairs)

	require.True(t, e.processBuffer(c))
	r := c.requests[1]
	require.NotNil(t, r)
	assert.Equal(t, "GET", r.Env.Find("REQUEST_METHOD").ToString())
	assert.Equal(t, "a=1", r.Env.Find("QUERY_STRING").ToString())
	assert.Equal(t, len("REQUEST_METHODGET")+len("QUERY_STRINGa=1"), r.ParamsBytes)
	assert.False(t, r.Has(request.ParamsComplete))
}

func TestParamCapOverflowScenario(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	cfg := *e.cfg.Get()
	cfg.Limits.MaxParamsBytes = 10
	e.cfg.Swap(&cfg)

	c := newConn(-1)
	begin2 := append([]byte(nil), beginRequestID1...)
	begin2[3] = 0x02 // id=2
	c.inBuf = append(c.inBuf, begin2...)
	c.inBuf = AppendRecord(c.inBuf, TypeParams, 2, EncodeNameValue(nil, "LONG_NAME", "long-value"))

	require.True(t, e.processBuffer(c))
	r := c.requests[2]
	require.NotNil(t, r)
	assert.True(t, r.Has(request.Failed))
	assert.True(t, r.Has(request.Responded))

	recs := collectRecords(t, c.outBuf)
	require.Len(t, recs, 1)
	assert.Equal(t, uint8(TypeEndRequest), recs[0].typ)
	assert.Equal(t, uint16(2), recs[0].id)
	assert.Equal(t, byte(StatusOverloaded), recs[0].content[4])

	// 同一请求的后续记录被忽略，不再分派
	outLen := len(c.outBuf)
	c.inBuf = AppendRecord(c.inBuf, TypeParams, 2, nil)
	c.inBuf = AppendRecord(c.inBuf, TypeStdin, 2, []byte("body"))
	c.inBuf = AppendRecord(c.inBuf, TypeStdin, 2, nil)
	require.True(t, e.processBuffer(c))
	assert.Equal(t, outLen, len(c.outBuf))
	assert.Equal(t, 0, r.BodyBytes)
}

func TestStdinCapOverflow(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	cfg := *e.cfg.Get()
	cfg.Limits.MaxStdinBytes = 4
	e.cfg.Swap(&cfg)

	c := newConn(-1)
	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = AppendRecord(c.inBuf, TypeStdin, 1, []byte("12345"))

	require.True(t, e.processBuffer(c))
	r := c.requests[1]
	require.NotNil(t, r)
	assert.True(t, r.Has(request.Failed|request.Responded))
	recs := collectRecords(t, c.outBuf)
	require.Len(t, recs, 1)
	assert.Equal(t, byte(StatusOverloaded), recs[0].content[4])
}

func TestAbortRequest(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)
	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = AppendRecord(c.inBuf, TypeAbortRequest, 1, nil)

	require.True(t, e.processBuffer(c))
	r := c.requests[1]
	require.NotNil(t, r)
	assert.True(t, r.Has(request.Aborted))
	recs := collectRecords(t, c.outBuf)
	require.Len(t, recs, 1)
	assert.Equal(t, uint8(TypeEndRequest), recs[0].typ)
	assert.Equal(t, byte(StatusRequestComplete), recs[0].content[4])
}

func TestVersionMismatchClosesConnection(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)
	bad := append([]byte(nil), beginRequestID1...)
	bad[0] = 9
	c.inBuf = bad
	assert.False(t, e.processBuffer(c))
}

func TestUnknownRecordTypeIgnored(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)
	c.inBuf = AppendRecord(nil, TypeGetValues, 0, []byte("ignored"))
	require.True(t, e.processBuffer(c))
	assert.Empty(t, c.inBuf)
	assert.Empty(t, c.requests)
	assert.Empty(t, c.outBuf)
}

func TestArenaExhaustionStallsBeginRequest(t *testing.T) {
	e := newTestEngine(t, 1, echoHandler)

	// 占住唯一的竞技场
	held := e.arenas.Get()
	require.NotNil(t, held)

	c := newConn(-1)
	c.inBuf = append(c.inBuf, beginRequestID1...)
	require.True(t, e.processBuffer(c))

	// BEGIN_REQUEST 不能越过头部：字节原样留在缓冲里
	assert.True(t, c.waitingForArena)
	assert.Len(t, c.inBuf, len(beginRequestID1))
	assert.Empty(t, c.requests)

	// 归还后重新驱动即可完成分配
	e.arenas.Release(held)
	require.True(t, e.processBuffer(c))
	assert.False(t, c.waitingForArena)
	assert.Empty(t, c.inBuf)
	require.NotNil(t, c.requests[1])
}

func TestPaddingSkipped(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)

	// 手工构造带 3 字节填充的 PARAMS 记录
	pairs := EncodeNameValue(nil, "K", "V")
	rec := []byte{Version1, TypeParams, 0x00, 0x01, byte(len(pairs) >> 8), byte(len(pairs)), 3, 0}
	rec = append(rec, pairs...)
	rec = append(rec, 0xEE, 0xEE, 0xEE)

	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = append(c.inBuf, rec...)
	require.True(t, e.processBuffer(c))
	assert.Empty(t, c.inBuf)
	assert.Equal(t, "V", c.requests[1].Env.Find("K").ToString())
}

func TestPartialRecordStaysBuffered(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)
	c.inBuf = append(c.inBuf, beginRequestID1[:10]...)
	require.True(t, e.processBuffer(c))
	assert.Len(t, c.inBuf, 10)

	c.inBuf = append(c.inBuf, beginRequestID1[10:]...)
	require.True(t, e.processBuffer(c))
	assert.Empty(t, c.inBuf)
	require.NotNil(t, c.requests[1])
}

func TestKeepConnectionFlag(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)
	keep := append([]byte(nil), beginRequestID1...)
	keep[10] = FlagKeepConn
	c.inBuf = keep
	require.True(t, e.processBuffer(c))
	assert.True(t, c.requests[1].Has(request.KeepConnection))
}

func TestShouldCloseConn(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)

	// 空连接：无请求、无输出、无 worker → 可关
	assert.True(t, e.shouldCloseConn(c))

	// 有未响应请求 → 不可关
	c.inBuf = append([]byte(nil), beginRequestID1...)
	require.True(t, e.processBuffer(c))
	assert.False(t, e.shouldCloseConn(c))

	// 响应完且无 keep-conn → 可关
	c.requests[1].SetFlags(request.Responded)
	assert.True(t, e.shouldCloseConn(c))

	// keep-conn 保持连接
	c.requests[1].SetFlags(request.KeepConnection)
	assert.False(t, e.shouldCloseConn(c))

	// 标记关闭后只看 worker 和输出缓冲
	c.closed.Store(true)
	assert.True(t, e.shouldCloseConn(c))
	c.outBuf = []byte{1}
	assert.False(t, e.shouldCloseConn(c))
}

func TestHousekeepingTimesOutRequest(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	cfg := *e.cfg.Get()
	cfg.Limits.MaxRequestTime = 1
	e.cfg.Swap(&cfg)

	c := newConn(-1)
	e.conns[-1] = c
	c.inBuf = append([]byte(nil), beginRequestID1...)
	require.True(t, e.processBuffer(c))
	r := c.requests[1]
	require.NotNil(t, r)
	r.Start = time.Now().Add(-2 * time.Second)

	e.housekeeping()
	assert.True(t, r.Has(request.Failed|request.Responded))
	recs := collectRecords(t, c.outBuf)
	require.NotEmpty(t, recs)
	assert.Equal(t, uint8(TypeEndRequest), recs[0].typ)
	assert.Equal(t, byte(StatusOverloaded), recs[0].content[4])
}

func TestMultiplexedRequests(t *testing.T) {
	e := newTestEngine(t, 4, echoHandler)
	c := newConn(-1)

	begin2 := append([]byte(nil), beginRequestID1...)
	begin2[3] = 0x02
	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = append(c.inBuf, begin2...)
	c.inBuf = AppendRecord(c.inBuf, TypeParams, 1, nil)
	c.inBuf = AppendRecord(c.inBuf, TypeParams, 2, nil)
	c.inBuf = AppendRecord(c.inBuf, TypeStdin, 1, nil)
	c.inBuf = AppendRecord(c.inBuf, TypeStdin, 2, nil)

	require.True(t, e.processBuffer(c))
	require.Len(t, c.requests, 2)

	require.Eventually(t, func() bool {
		e.pendingMu.Lock()
		defer e.pendingMu.Unlock()
		return len(e.pending) == 2
	}, time.Second, time.Millisecond)
	e.processPending()

	recs := collectRecords(t, c.outBuf)
	// 每个请求 3 条记录
	require.Len(t, recs, 6)
	seen := map[uint16]int{}
	for _, rec := range recs {
		seen[rec.id]++
	}
	assert.Equal(t, map[uint16]int{1: 3, 2: 3}, seen)
}

func TestHandlerNotReinvokedAfterResponded(t *testing.T) {
	calls := 0
	h := func(r *request.Request, out *[]byte) {
		calls++
		echoHandler(r, out)
	}
	e := newTestEngine(t, 4, h)
	c := newConn(-1)
	c.inBuf = append(c.inBuf, beginRequestID1...)
	c.inBuf = append(c.inBuf, paramsEndID1...)
	c.inBuf = append(c.inBuf, stdinEndID1...)
	require.True(t, e.processBuffer(c))
	waitPending(t, e)
	require.Equal(t, 1, calls)

	// 重复投递同一请求也不会再次执行处理器
	r := c.requests[1]
	e.pendingMu.Lock()
	e.pending = append(e.pending, r)
	e.pendingMu.Unlock()
	e.processPending()
	assert.Equal(t, 1, calls)
}
