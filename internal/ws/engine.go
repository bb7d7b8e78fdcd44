package ws

import (
	"strconv"
	"sync"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/logger"
	"github.com/Udo/wasapi/internal/request"
	"github.com/Udo/wasapi/internal/worker"
	"github.com/sirupsen/logrus"
)

// Handler 用户处理器：读请求，把响应净荷写进 out。
// WebSocket 模式下输出会以原操作码装帧，HTTP 平面模式下
// 以 HTTP/ 开头的输出原样透传，否则包成最小 200 应答。
type Handler func(r *request.Request, out *[]byte)

// pendingFrame worker 发布的已装帧响应
type pendingFrame struct {
	fd    int
	frame []byte
	close bool // HTTP 平面模式响应发送完后关闭连接
}

// Engine WebSocket 反应堆的共享状态
type Engine struct {
	cfg     *config.Store
	arenas  *arena.Manager
	pool    *worker.Pool
	access  *logger.AccessLogger
	handler Handler

	clients map[int]*Client

	pendingMu sync.Mutex
	pending   []pendingFrame

	log *logrus.Entry

	loop *loopState
}

// NewEngine 创建 WebSocket 引擎
func NewEngine(cfg *config.Store, arenas *arena.Manager, pool *worker.Pool, access *logger.AccessLogger, handler Handler) *Engine {
	return &Engine{
		cfg:     cfg,
		arenas:  arenas,
		pool:    pool,
		access:  access,
		handler: handler,
		clients: make(map[int]*Client),
		log: logrus.WithFields(logrus.Fields{
			"component": "ws_engine",
		}),
	}
}

// dispatchMessage 为一条完整消息合成请求并交给工作池。
// 竞技场耗尽时丢弃消息，尽力而为。
func (e *Engine) dispatchMessage(c *Client, opcode uint8, payload []byte) {
	a := e.arenas.Get()
	if a == nil {
		e.log.Debugf("竞技场耗尽，丢弃消息 fd=%d len=%d", c.fd, len(payload))
		return
	}
	r := request.New(a, 0)
	r.Conn = c
	if body := a.AllocCopy(payload); body != nil {
		r.Body = body
	} else {
		r.Body = append([]byte(nil), payload...)
	}
	r.BodyBytes = len(payload)
	r.Env.SetString("WS", "1")
	r.Env.SetString("MESSAGE_TYPE", messageType(opcode))
	r.Env.SetString("OPCODE", strconv.Itoa(int(opcode)))
	r.Env.SetString("CLIENT_FD", strconv.Itoa(c.fd))
	r.SetFlags(request.ParamsComplete | request.InputComplete)

	fd := c.fd
	start := time.Now()
	enqueued := e.pool.Enqueue(func() {
		var resp []byte
		if e.handler != nil {
			e.handler(r, &resp)
		}
		if len(resp) > 0 {
			e.publish(pendingFrame{fd: fd, frame: BuildFrame(opcode, resp, true)})
		}
		e.logAccess(r, "ws", len(resp), time.Since(start))
		e.arenas.Release(r.Arena)
	})
	if !enqueued {
		e.arenas.Release(a)
	}
}

// dispatchHTTP HTTP 平面模式分派：整个请求体已缓冲完毕
func (e *Engine) dispatchHTTP(c *Client, hr *handshakeRequest, body []byte) {
	a := e.arenas.Get()
	if a == nil {
		e.log.Debug("竞技场耗尽，丢弃 HTTP 请求")
		c.closed.Store(true)
		return
	}
	r := request.New(a, 0)
	r.Conn = c
	r.Body = body
	r.BodyBytes = len(body)
	r.Env.SetString("REQUEST_METHOD", hr.method)
	r.Env.SetString("REQUEST_URI", hr.uri)
	r.Env.SetString("CLIENT_FD", strconv.Itoa(c.fd))
	for name, value := range hr.headers {
		r.Env.SetString("HTTP_"+headerEnvName(name), value)
	}
	r.SetFlags(request.ParamsComplete | request.InputComplete)

	fd := c.fd
	start := time.Now()
	contentType := e.cfg.Get().Handler.DefaultContentType
	enqueued := e.pool.Enqueue(func() {
		var resp []byte
		if e.handler != nil {
			e.handler(r, &resp)
		}
		e.publish(pendingFrame{fd: fd, frame: wrapHTTPResponse(resp, contentType), close: true})
		e.logAccess(r, "http", len(resp), time.Since(start))
		e.arenas.Release(r.Arena)
	})
	if !enqueued {
		e.arenas.Release(a)
		c.closed.Store(true)
	}
}

// publish 把已装帧响应放进待发列表并唤醒反应堆
func (e *Engine) publish(pf pendingFrame) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, pf)
	e.pendingMu.Unlock()
	if e.loop != nil {
		e.loop.notifier.Signal()
	}
}

// processPending 反应堆消化待发列表：原子交换后逐条并入
// 对应连接的发送缓冲
func (e *Engine) processPending() {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, pf := range pending {
		c, ok := e.clients[pf.fd]
		if !ok {
			continue
		}
		c.outBuf = append(c.outBuf, pf.frame...)
		if pf.close {
			c.closeAfterFlush = true
		}
		e.updateWriteInterest(c, true)
		e.flushClient(c)
		if c.closed.Load() && c.outPending() == 0 {
			e.closeClient(pf.fd)
		}
	}
}

func (e *Engine) logAccess(r *request.Request, proto string, bytesOut int, took time.Duration) {
	if e.access == nil {
		return
	}
	e.access.Log(&logger.AccessLog{
		Timestamp:   time.Now(),
		Protocol:    proto,
		Method:      r.Env.Find("REQUEST_METHOD").ToString(),
		URI:         r.Env.Find("REQUEST_URI").ToString(),
		Status:      "complete",
		BytesIn:     r.BodyBytes,
		BytesOut:    bytesOut,
		RequestTime: took.Seconds(),
	})
}

func headerEnvName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		case c == '-':
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
