package httpx

import (
	"strings"

	"github.com/Udo/wasapi/internal/dynamic"
)

// ParseCookieHeader 解析 Cookie 头到动态对象。
// 无等号的片段作为标志 Cookie 取空值，带引号的值去掉引号。
func ParseCookieHeader(cookieString string, out *dynamic.Value) {
	out.BecomeObject()
	for _, seg := range strings.Split(cookieString, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		eq := strings.IndexByte(seg, '=')
		if eq < 0 {
			out.SetString(seg, "")
			continue
		}
		key := strings.TrimSpace(seg[:eq])
		value := strings.TrimSpace(seg[eq+1:])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			out.SetString(key, value)
		}
	}
}
