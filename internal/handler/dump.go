package handler

import (
	"sort"
	"strings"

	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/dynamic"
	"github.com/Udo/wasapi/internal/fcgi"
	"github.com/Udo/wasapi/internal/monitor"
	"github.com/Udo/wasapi/internal/request"
	"github.com/Udo/wasapi/internal/session"
)

// Dump 演示处理器：把请求的环境、参数、Cookie、文件和会话
// 渲染成分节文本回给客户端。二进制 wasapi 的默认处理器。
type Dump struct {
	cfg      *config.Store
	sessions *session.Store
	mon      *monitor.Monitor
}

// NewDump 创建演示处理器
func NewDump(cfg *config.Store, sessions *session.Store, mon *monitor.Monitor) *Dump {
	return &Dump{cfg: cfg, sessions: sessions, mon: mon}
}

// ServeFCGI FastCGI 模式：输出 CGI 头 + 转储文本，
// 装配 STDOUT 记录流并以 END_REQUEST 收尾
func (d *Dump) ServeFCGI(r *request.Request, out *[]byte) {
	if r.Has(request.Responded) {
		return
	}
	var sb strings.Builder
	d.writeHeaders(r, &sb)
	d.writeDump(r, &sb)

	*out = fcgi.AppendStdout(*out, r.ID, []byte(sb.String()))

	if r.SessionID != "" && d.sessions != nil {
		d.sessions.Save(r)
	}

	*out = fcgi.AppendEndRequest(*out, r.ID, 0, fcgi.StatusRequestComplete)
	r.SetFlags(request.Responded)
	if d.mon != nil {
		d.mon.RecordRequest()
	}
}

// ServeWS WebSocket/HTTP 平面模式：输出纯文本转储净荷
func (d *Dump) ServeWS(r *request.Request, out *[]byte) {
	var sb strings.Builder
	d.writeDump(r, &sb)
	*out = append(*out, sb.String()...)
	if d.mon != nil {
		d.mon.RecordRequest()
	}
}

// writeHeaders 输出响应头块：字符串值直接写，其余按 JSON
func (d *Dump) writeHeaders(r *request.Request, sb *strings.Builder) {
	keys := make([]string, 0, r.Headers.Len())
	for k := range r.Headers.Obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := r.Headers.Obj[k]
		sb.WriteString(k)
		sb.WriteString(": ")
		if v.Type == dynamic.String {
			sb.WriteString(v.Str)
		} else {
			sb.WriteString(v.ToJSON(false))
		}
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
}

func (d *Dump) writeDump(r *request.Request, sb *strings.Builder) {
	cfg := d.cfg.Get().Handler
	section := func(name string, v *dynamic.Value) {
		sb.WriteString("-- ")
		sb.WriteString(name)
		sb.WriteString(" --\n")
		v.PrintR(sb, cfg.PrintEnvLimit, cfg.PrintIndent, 0)
	}
	section("ENV", r.Env)
	section("CONTEXT", r.Context)
	section("COOKIES", r.Cookies)
	section("PARAMS", r.Params)
	section("HEADERS(OUT)", r.Headers)
	section("FILES", r.Files)
	section("SESSION", r.Session)

	sb.WriteString("\n-- BODY (")
	sb.WriteString(dynamic.NewNumber(float64(r.BodyBytes)).ToString())
	sb.WriteString(" bytes) --\n")
	previewCap := cfg.BodyPreviewLimit
	if previewCap <= 0 {
		previewCap = 1024
	}
	show := len(r.Body)
	if show > previewCap {
		show = previewCap
	}
	for _, b := range r.Body[:show] {
		switch {
		case b >= 32 && b < 127, b == '\n', b == '\r', b == '\t':
			sb.WriteByte(b)
		default:
			sb.WriteByte('.')
		}
	}
	if show < len(r.Body) {
		sb.WriteString("\n[truncated]")
	}
}
