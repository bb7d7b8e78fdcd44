package fcgi

import (
	"os"
	"sync"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/dynamic"
	"github.com/Udo/wasapi/internal/fileio"
	"github.com/Udo/wasapi/internal/httpx"
	"github.com/Udo/wasapi/internal/logger"
	"github.com/Udo/wasapi/internal/request"
	"github.com/Udo/wasapi/internal/session"
	"github.com/Udo/wasapi/internal/worker"
	"github.com/sirupsen/logrus"
)

// Handler 用户处理器：读请求，把 FastCGI 输出记录写进 out。
// 处理器契约是全量的，引擎不捕获处理器内部错误。
type Handler func(r *request.Request, out *[]byte)

// Engine 持有 FastCGI 反应堆的全部共享状态。反应堆本身单线程，
// worker 只通过待发列表和唤醒描述符与它交互。
type Engine struct {
	cfg      *config.Store
	arenas   *arena.Manager
	pool     *worker.Pool
	sessions *session.Store
	files    *fileio.Cache
	access   *logger.AccessLogger
	handler  Handler

	conns        map[int]*Conn
	waitingConns []int // 等竞技场的连接，FIFO
	closeQueue   []int

	pendingMu sync.Mutex
	pending   []*request.Request

	log *logrus.Entry

	// 反应堆资源，Serve 期间有效
	loop *loopState
}

// NewEngine 创建 FastCGI 引擎
func NewEngine(cfg *config.Store, arenas *arena.Manager, pool *worker.Pool, sessions *session.Store, files *fileio.Cache, access *logger.AccessLogger, handler Handler) *Engine {
	return &Engine{
		cfg:      cfg,
		arenas:   arenas,
		pool:     pool,
		sessions: sessions,
		files:    files,
		access:   access,
		handler:  handler,
		conns:    make(map[int]*Conn),
		log: logrus.WithFields(logrus.Fields{
			"component": "fcgi_engine",
		}),
	}
}

// allocateRequest 从竞技场池为新请求取一个竞技场，
// 耗尽时返回 nil 触发背压
func (e *Engine) allocateRequest(c *Conn, id uint16) *request.Request {
	a := e.arenas.Get()
	if a == nil {
		return nil
	}
	r := request.New(a, id)
	r.Conn = c
	return r
}

// releaseRequest 归还请求占用的竞技场，随后恢复 accept
// 并重新驱动等待中的连接
func (e *Engine) releaseRequest(r *request.Request) {
	a := r.Arena
	r.Arena = nil
	r.Conn = nil
	if a != nil {
		e.arenas.Release(a)
	}
	if e.loop != nil {
		if e.loop.acceptPaused && e.arenas.Available() > 0 {
			e.resumeAccept()
		}
		e.processWaitingConns()
	}
}

// finalizeRequest 清理上传临时文件。keep_uploaded_files 打开或
// cleanup_temp_on_disconnect 关闭时保留文件。
func (e *Engine) finalizeRequest(r *request.Request) {
	cfg := e.cfg.Get()
	if r.Files.Type == dynamic.Array && len(r.Files.Arr) > 0 {
		for _, f := range r.Files.Arr {
			if f.Type != dynamic.Object {
				continue
			}
			tp := f.Find("temp_path")
			if !cfg.Upload.KeepUploadedFiles && cfg.Upload.CleanupTempOnDisconnect &&
				tp != nil && tp.Type == dynamic.String && tp.Str != "" {
				os.Remove(tp.Str)
				tp.Str = ""
			}
		}
		r.Files = dynamic.NewArray()
	}
	r.Body = nil
}

// dispatch 把就绪请求交给工作池。worker 做预解析后发布到
// 待发列表，真正的响应组装回到 IO 线程执行。
func (e *Engine) dispatch(c *Conn, r *request.Request) {
	if r.Has(request.Responded) {
		return
	}
	c.activeWorkers.Add(1)
	r.WorkerActive.Store(true)

	enqueued := e.pool.Enqueue(func() {
		if !r.Has(request.Responded) && !c.closed.Load() {
			cfg := e.cfg.Get()
			httpx.ParseEndpointFileContext(r, cfg.Handler.EndpointFilePath, e.files)
			httpx.ParseCookies(r, cfg.Handler.HTTPCookiesVar)
			httpx.ParseQuery(r, cfg.Handler.HTTPQueryVar)
			httpx.ParseFormData(r, cfg.Upload.TmpDir)
			if cfg.Session.AutoLoad && e.sessions != nil {
				if sid := r.Cookies.Find(cfg.Session.CookieName); sid != nil && sid.Type == dynamic.String {
					e.sessions.Start(r)
				}
			}
			r.Headers.SetString("Content-Type", cfg.Handler.DefaultContentType)

			e.pendingMu.Lock()
			e.pending = append(e.pending, r)
			e.pendingMu.Unlock()
			if e.loop != nil {
				e.loop.notifier.Signal()
			}
		}
		r.WorkerActive.Store(false)
		c.activeWorkers.Add(-1)
	})
	if !enqueued {
		// 工作池已关闭，停机排空阶段由巡检收尾
		r.WorkerActive.Store(false)
		c.activeWorkers.Add(-1)
	}
}

// processPending 在 IO 线程上消化 worker 发布的就绪请求：
// 运行用户处理器并把输出并入连接发送缓冲
func (e *Engine) processPending() {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, r := range pending {
		if r == nil || r.Has(request.Responded) {
			continue
		}
		c, _ := r.Conn.(*Conn)
		if c == nil || c.closed.Load() {
			continue
		}

		start := r.Start
		var localOut []byte
		if e.handler != nil {
			e.handler(r, &localOut)
		}
		r.SetFlags(request.Responded)

		if len(localOut) > 0 {
			wasEmpty := c.outPending() == 0
			if wasEmpty && cap(c.outBuf) == 0 {
				c.outBuf = make([]byte, 0, e.cfg.Get().Limits.OutputBufferInitial)
			}
			c.outBuf = append(c.outBuf, localOut...)
			if wasEmpty {
				e.updateWriteInterest(c, true)
			}
		}

		e.logAccess(r, len(localOut), time.Since(start))
	}
}

func (e *Engine) logAccess(r *request.Request, bytesOut int, took time.Duration) {
	if e.access == nil {
		return
	}
	status := "complete"
	if r.Has(request.Failed) {
		status = "overloaded"
	}
	if r.Has(request.Aborted) {
		status = "aborted"
	}
	e.access.Log(&logger.AccessLog{
		Timestamp:   time.Now(),
		Protocol:    "fcgi",
		RequestID:   r.ID,
		Method:      r.Env.Find("REQUEST_METHOD").ToString(),
		URI:         r.Env.Find("REQUEST_URI").ToString(),
		Status:      status,
		BytesIn:     r.BodyBytes,
		BytesOut:    bytesOut,
		RequestTime: took.Seconds(),
		RemoteAddr:  r.Env.Find("REMOTE_ADDR").ToString(),
	})
}

// sweepRequests 回收不再被 worker 持有的已终结请求
func (e *Engine) sweepRequests(c *Conn) {
	for id, r := range c.requests {
		if r == nil || r.WorkerActive.Load() {
			continue
		}
		if r.Has(request.Responded) {
			e.finalizeRequest(r)
			delete(c.requests, id)
			e.releaseRequest(r)
			continue
		}
		if r.Has(request.Failed | request.Aborted) {
			delete(c.requests, id)
			e.releaseRequest(r)
		}
	}
}

// shouldCloseConn 判断连接是否可以回收：已标记关闭且无
// 在途 worker 与未发送数据；或所有请求均已响应、无 keep-conn、
// 缓冲已清空且无在途 worker
func (e *Engine) shouldCloseConn(c *Conn) bool {
	if c.closed.Load() {
		return c.activeWorkers.Load() == 0 && c.outPending() == 0
	}
	anyKeep := false
	for _, r := range c.requests {
		if r == nil || !r.Has(request.Responded) {
			return false
		}
		if r.Has(request.KeepConnection) {
			anyKeep = true
			break
		}
	}
	return !anyKeep && c.outPending() == 0 && c.activeWorkers.Load() == 0
}

// housekeeping 定期巡检：让超时请求以 OVERLOADED 终结，
// 然后关闭空闲连接
func (e *Engine) housekeeping() {
	cfg := e.cfg.Get()
	now := time.Now()
	var toClose []int
	for fd, c := range e.conns {
		if cfg.Limits.MaxRequestTime > 0 {
			for _, r := range c.requests {
				if r == nil || r.Has(request.Responded) {
					continue
				}
				if now.Sub(r.Start) > time.Duration(cfg.Limits.MaxRequestTime)*time.Second {
					r.SetFlags(request.Failed | request.Responded)
					wasEmpty := c.outPending() == 0
					c.outBuf = AppendEndRequest(c.outBuf, r.ID, 0, StatusOverloaded)
					if wasEmpty {
						e.updateWriteInterest(c, true)
					}
				}
			}
		}
		e.sweepRequests(c)
		if e.shouldCloseConn(c) {
			toClose = append(toClose, fd)
		}
	}
	for _, fd := range toClose {
		e.closeConn(fd, "housekeeping")
	}
}
