package request

import (
	"sync/atomic"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/dynamic"
)

// Flags 请求状态位
type Flags uint64

const (
	Initialized Flags = 1 << iota // 请求已初始化
	KeepConnection                // 响应后保持连接
	ParamsComplete                // 参数全部到达
	InputComplete                 // 输入数据全部到达
	Responded                     // 响应已写出
	Aborted                       // 请求被客户端中止
	Failed                        // 超限或协议失败
)

// Request 单个请求的全部状态。由一个竞技场独占承载，
// 反应堆负责创建和回收；worker 只能触碰处理器可见的字段、
// WorkerActive 和状态位。状态位是原子量，巡检超时和 worker
// 可能并发读写。
type Request struct {
	ID    uint16 // FastCGI 请求号，WebSocket 消息固定为 0
	flags atomic.Uint64

	Env     *dynamic.Value // FastCGI 环境参数
	Params  *dynamic.Value // 查询串 + 表单参数
	Cookies *dynamic.Value // 解析后的 Cookie
	Headers *dynamic.Value // 响应头
	Files   *dynamic.Value // 上传文件数组
	Session *dynamic.Value // 会话数据
	Context *dynamic.Value // 端点上下文数据

	SessionID string
	Body      []byte

	ParamsBytes int // 累计参数字节数
	BodyBytes   int // 累计请求体字节数

	Start time.Time // 起始时间，定期巡检的超时判定用

	// Conn 指回所属连接，反应堆保证请求存活期内有效
	Conn any
	// Arena 指回承载本请求的竞技场，由反应堆归还
	Arena *arena.Arena

	// WorkerActive 为 true 期间请求不可回收
	WorkerActive atomic.Bool
}

// New 在给定竞技场上创建请求
func New(a *arena.Arena, id uint16) *Request {
	r := &Request{
		ID:      id,
		Env:     dynamic.NewObject(),
		Params:  dynamic.NewObject(),
		Cookies: dynamic.NewObject(),
		Headers: dynamic.NewObject(),
		Files:   dynamic.NewArray(),
		Session: dynamic.NewObject(),
		Context: dynamic.NewObject(),
		Start:   time.Now(),
		Arena:   a,
	}
	r.SetFlags(Initialized)
	return r
}

// Has 检查是否置了 f 中的任一状态位
func (r *Request) Has(f Flags) bool {
	return Flags(r.flags.Load())&f != 0
}

// SetFlags 置位
func (r *Request) SetFlags(f Flags) {
	for {
		old := r.flags.Load()
		if r.flags.CompareAndSwap(old, old|uint64(f)) {
			return
		}
	}
}
