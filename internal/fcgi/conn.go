package fcgi

import (
	"sync/atomic"

	"github.com/Udo/wasapi/internal/request"
)

// Conn 单个 FastCGI 连接的全部状态。除标注的原子量外，
// 所有字段只归本连接的反应堆触碰。
type Conn struct {
	fd     int
	inBuf  []byte
	outBuf []byte
	outPos int // outBuf 中已发送的字节数

	requests map[uint16]*request.Request

	closed        atomic.Bool  // IO 线程与 worker 共同访问
	activeWorkers atomic.Int32 // 本连接上执行中的 worker 数

	epollMask       uint32 // 当前注册的兴趣掩码
	wantWrite       bool   // 期望的写兴趣
	waitingForArena bool   // BEGIN_REQUEST 因无竞技场而搁置
}

func newConn(fd int) *Conn {
	return &Conn{
		fd:       fd,
		requests: make(map[uint16]*request.Request),
	}
}

// FD 连接描述符
func (c *Conn) FD() int { return c.fd }

// Closed 连接是否已标记关闭
func (c *Conn) Closed() bool { return c.closed.Load() }

// outPending 待发送字节数
func (c *Conn) outPending() int { return len(c.outBuf) - c.outPos }

// processBuffer 消费输入缓冲里的完整记录。协议版本错误返回
// false 要求关闭连接。竞技场耗尽时在 BEGIN_REQUEST 头前停住，
// 未消费的字节留在缓冲里等待重新驱动。
func (e *Engine) processBuffer(c *Conn) bool {
	cfg := e.cfg.Get()
	offset := 0
	ok := true

	c.waitingForArena = false
loop:
	for {
		h, have := ParseHeader(c.inBuf[offset:])
		if !have {
			break
		}
		if h.Version != Version1 {
			ok = false
			break
		}
		total := HeaderSize + int(h.ContentLength) + int(h.PaddingLength)
		if len(c.inBuf)-offset < total {
			break
		}
		content := c.inBuf[offset+HeaderSize : offset+HeaderSize+int(h.ContentLength)]

		var r *request.Request
		switch h.Type {
		case TypeBeginRequest:
			if int(h.ContentLength) >= 8 {
				existing := c.requests[h.RequestID]
				if existing == nil {
					nr := e.allocateRequest(c, h.RequestID)
					if nr == nil {
						// 背压：头留在缓冲里，连接排队等竞技场
						c.waitingForArena = true
						break loop
					}
					c.requests[h.RequestID] = nr
					existing = nr
				}
				r = existing
				// 角色字段不在这里裁决，由处理器决定语义
				if content[2]&FlagKeepConn != 0 {
					r.SetFlags(request.KeepConnection)
				}
			}

		case TypeParams:
			if r = c.requests[h.RequestID]; r != nil {
				if h.ContentLength == 0 {
					r.SetFlags(request.ParamsComplete)
				} else if !r.Has(request.Failed) {
					e.decodeParams(c, r, content, cfg.Limits.MaxParamsBytes)
				}
			}

		case TypeStdin:
			if r = c.requests[h.RequestID]; r != nil {
				if h.ContentLength == 0 {
					r.SetFlags(request.InputComplete)
				} else if !r.Has(request.Failed) {
					if r.BodyBytes+int(h.ContentLength) > cfg.Limits.MaxStdinBytes {
						e.failRequest(c, r, StatusOverloaded)
					} else {
						r.Body = append(r.Body, content...)
						r.BodyBytes += int(h.ContentLength)
					}
				}
			}

		case TypeAbortRequest:
			if r = c.requests[h.RequestID]; r != nil {
				r.SetFlags(request.Aborted)
				e.failRequest(c, r, StatusRequestComplete)
			}

		default:
			// 未知记录类型静默忽略
		}

		offset += total
		if r != nil && !r.Has(request.Failed) && !r.Has(request.Responded) &&
			r.Has(request.ParamsComplete) && r.Has(request.InputComplete) {
			e.dispatch(c, r)
		}
	}
	if offset > 0 {
		c.inBuf = c.inBuf[:copy(c.inBuf, c.inBuf[offset:])]
	}
	return ok
}

// decodeParams 解码 PARAMS 名值对并写入请求环境。
// 记录边界处截断的名值对不是错误，下一条记录重新开始。
func (e *Engine) decodeParams(c *Conn, r *request.Request, content []byte, maxParamsBytes int) {
	pos := 0
	for pos < len(content) {
		nameLen, p, ok1 := decodeLength(content, pos)
		valueLen, p2, ok2 := decodeLength(content, p)
		if !ok1 || !ok2 {
			break
		}
		pos = p2
		if pos+nameLen+valueLen > len(content) {
			break
		}
		if r.ParamsBytes+nameLen+valueLen > maxParamsBytes {
			e.failRequest(c, r, StatusOverloaded)
			break
		}
		name := string(content[pos : pos+nameLen])
		value := string(content[pos+nameLen : pos+nameLen+valueLen])
		pos += nameLen + valueLen
		r.Env.SetString(name, value)
		r.ParamsBytes += nameLen + valueLen
	}
}

// failRequest 以给定协议状态终结请求
func (e *Engine) failRequest(c *Conn, r *request.Request, protoStatus uint8) {
	if r.Has(request.Responded) {
		return
	}
	c.outBuf = AppendEndRequest(c.outBuf, r.ID, 0, protoStatus)
	r.SetFlags(request.Responded | request.Failed)
}
