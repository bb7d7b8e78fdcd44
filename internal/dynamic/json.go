package dynamic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParseJSON 解析 JSON 文本为动态值。
// 解析失败时返回出错的字节偏移，方便调用方提示客户端。
func ParseJSON(text []byte) (*Value, int, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		pos := 0
		if se, ok := err.(*json.SyntaxError); ok {
			pos = int(se.Offset)
		}
		return nil, pos, fmt.Errorf("解析 JSON 失败: %w", err)
	}
	return fromAny(raw), 0, nil
}

func fromAny(raw any) *Value {
	switch t := raw.(type) {
	case nil:
		return NewNull()
	case bool:
		return NewBool(t)
	case json.Number:
		n, _ := t.Float64()
		return NewNumber(n)
	case string:
		return NewString(t)
	case []any:
		v := NewArray()
		for _, e := range t {
			v.Push(fromAny(e))
		}
		return v
	case map[string]any:
		v := NewObject()
		for k, e := range t {
			v.Obj[k] = fromAny(e)
		}
		return v
	}
	return NewNull()
}

func (v *Value) toAny() any {
	if v == nil {
		return nil
	}
	switch v.Type {
	case Null:
		return nil
	case Bool:
		return v.B
	case Number:
		return v.Num
	case String:
		return v.Str
	case Array:
		out := make([]any, 0, len(v.Arr))
		for _, e := range v.Arr {
			out = append(out, e.toAny())
		}
		return out
	case Object:
		out := make(map[string]any, len(v.Obj))
		for k, e := range v.Obj {
			out[k] = e.toAny()
		}
		return out
	}
	return nil
}

// ToJSON 序列化为 JSON 文本，pretty 为 true 时带缩进
func (v *Value) ToJSON(pretty bool) string {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(v.toAny(), "", "  ")
	} else {
		data, err = json.Marshal(v.toAny())
	}
	if err != nil {
		return "null"
	}
	return string(data)
}

// PrintR 按层级缩进渲染动态值，limit 限制每层打印的元素个数（0 表示不限）。
// 输出格式沿用调试转储约定，对象键按字典序排序保证稳定输出。
func (v *Value) PrintR(sb *strings.Builder, limit int, indent int, depth int) {
	ind := func(d int) {
		sb.WriteString(strings.Repeat(" ", d*indent))
	}
	if v == nil {
		sb.WriteString("null\n")
		return
	}
	switch v.Type {
	case Null:
		sb.WriteString("null\n")
	case String:
		sb.WriteByte('"')
		sb.WriteString(v.Str)
		sb.WriteString("\"\n")
	case Number:
		sb.WriteString(NewNumber(v.Num).ToString())
		sb.WriteByte('\n')
	case Bool:
		if v.B {
			sb.WriteString("true\n")
		} else {
			sb.WriteString("false\n")
		}
	case Array:
		sb.WriteString("[\n")
		for i, e := range v.Arr {
			if limit > 0 && i >= limit {
				ind(depth + 1)
				sb.WriteString("... (truncated)\n")
				break
			}
			ind(depth + 1)
			e.PrintR(sb, limit, indent, depth+1)
		}
		ind(depth)
		sb.WriteString("]\n")
	case Object:
		sb.WriteString("{\n")
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if limit > 0 && i >= limit {
				ind(depth + 1)
				sb.WriteString("... (truncated)\n")
				break
			}
			ind(depth + 1)
			sb.WriteString(k)
			sb.WriteString(": ")
			v.Obj[k].PrintR(sb, limit, indent, depth+1)
		}
		ind(depth)
		sb.WriteString("}\n")
	}
}
