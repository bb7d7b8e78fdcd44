package ws

import (
	"sync/atomic"
)

// Client 单个 WebSocket 连接的状态。握手完成后输入缓冲里
// 只剩帧字节；HTTP 平面模式下则等整个请求体到齐再分派。
type Client struct {
	fd     int
	inBuf  []byte
	outBuf []byte
	outPos int

	handshakeDone bool
	httpPlain     bool // 非升级请求按普通 HTTP 处理
	httpReq       *handshakeRequest
	httpHeaderLen int

	closed          atomic.Bool
	closeAfterFlush bool   // HTTP 平面模式：响应发完即关
	epollMask       uint32 // 当前注册的兴趣掩码

	// 分片重组状态
	assembling     bool
	assembleOpcode uint8
	assembleData   []byte
}

func newClient(fd int) *Client {
	return &Client{fd: fd}
}

// FD 连接描述符
func (c *Client) FD() int { return c.fd }

// outPending 待发送字节数
func (c *Client) outPending() int { return len(c.outBuf) - c.outPos }

// processInput 消化输入缓冲：先握手，再按模式分流
func (e *Engine) processInput(c *Client) {
	if !c.handshakeDone && !c.httpPlain {
		e.processHandshake(c)
	}
	if c.httpPlain {
		e.processHTTPPlain(c)
		return
	}
	if c.handshakeDone {
		e.processFrames(c)
	}
}

func (e *Engine) processHandshake(c *Client) {
	hdrEnd := indexCRLFCRLF(c.inBuf)
	if hdrEnd < 0 {
		return
	}
	hr, ok := parseHandshake(string(c.inBuf[:hdrEnd]))
	if !ok {
		c.closed.Store(true)
		return
	}
	if hr.upgrade {
		c.outBuf = append(c.outBuf, buildUpgradeResponse(AcceptKey(hr.wsKey))...)
		c.handshakeDone = true
		c.inBuf = c.inBuf[:copy(c.inBuf, c.inBuf[hdrEnd+4:])]
		return
	}
	// 非 WebSocket 升级：转入 HTTP 平面模式，等请求体到齐
	c.httpPlain = true
	c.httpReq = hr
	c.httpHeaderLen = hdrEnd + 4
}

func (e *Engine) processHTTPPlain(c *Client) {
	hr := c.httpReq
	if hr == nil {
		c.closed.Store(true)
		return
	}
	if len(c.inBuf) < c.httpHeaderLen+hr.contentLength {
		return
	}
	body := make([]byte, hr.contentLength)
	copy(body, c.inBuf[c.httpHeaderLen:c.httpHeaderLen+hr.contentLength])
	c.inBuf = nil
	c.httpReq = nil
	e.dispatchHTTP(c, hr, body)
}

func (e *Engine) processFrames(c *Client) {
	for {
		f, consumed, ok := DecodeFrame(c.inBuf)
		if !ok {
			if consumed < 0 {
				c.closed.Store(true)
			}
			return
		}
		c.inBuf = c.inBuf[:copy(c.inBuf, c.inBuf[consumed:])]

		switch f.Opcode {
		case OpClose:
			c.closed.Store(true)

		case OpPing:
			c.outBuf = append(c.outBuf, BuildFrame(OpPong, f.Payload, true)...)

		case OpPong:
			// 忽略

		case OpText, OpBinary:
			if c.assembling {
				// 新消息开始时丢弃残留的分片状态
				c.assembling = false
				c.assembleData = nil
			}
			if f.FIN {
				e.dispatchMessage(c, f.Opcode, f.Payload)
			} else {
				c.assembling = true
				c.assembleOpcode = f.Opcode
				c.assembleData = f.Payload
			}

		case OpContinuation:
			if !c.assembling {
				c.closed.Store(true)
				break
			}
			c.assembleData = append(c.assembleData, f.Payload...)
			if f.FIN {
				opcode := c.assembleOpcode
				complete := c.assembleData
				c.assembling = false
				c.assembleData = nil
				e.dispatchMessage(c, opcode, complete)
			}

		default:
			// 未知操作码静默忽略
		}

		if c.closed.Load() {
			return
		}
	}
}

func messageType(opcode uint8) string {
	if opcode == OpBinary {
		return "binary"
	}
	return "text"
}

func indexCRLFCRLF(buf []byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i
		}
	}
	return -1
}
