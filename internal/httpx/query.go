package httpx

import (
	"net/url"
	"sort"
	"strings"
)

// URLDecode 解码百分号编码，加号按空格处理。
// 非法编码序列原样保留，不中断解析。
func URLDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				hi, ok1 := hexVal(s[i+1])
				lo, ok2 := hexVal(s[i+2])
				if ok1 && ok2 {
					b.WriteByte(hi<<4 | lo)
					i += 2
					continue
				}
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// URLEncode 百分号编码
func URLEncode(s string) string {
	return url.QueryEscape(s)
}

// ParseQueryString 解析查询串为键值表。重复键保留最后一个，
// 没有等号的片段按空值键处理。
func ParseQueryString(input string) map[string]string {
	out := make(map[string]string)
	for _, seg := range strings.Split(input, "&") {
		if seg == "" {
			continue
		}
		eq := strings.IndexByte(seg, '=')
		if eq < 0 {
			out[URLDecode(seg)] = ""
			continue
		}
		out[URLDecode(seg[:eq])] = URLDecode(seg[eq+1:])
	}
	return out
}

// BuildQuery 构造查询串，键按字典序排序保证稳定输出
func BuildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(URLEncode(k))
		b.WriteByte('=')
		b.WriteString(URLEncode(params[k]))
	}
	return b.String()
}
