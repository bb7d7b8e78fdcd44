package fileio

import (
	"strings"

	"github.com/Udo/wasapi/internal/dynamic"
)

// LoadKV 读取键值文件到动态对象。# 和 ; 开头的行是注释，
// 无等号的行沿用上一行的键，重复键聚合成数组。
func LoadKV(cache *Cache, path string, out *dynamic.Value) bool {
	out.BecomeObject()
	content, err := cache.ReadFile(path)
	if err != nil || len(content) == 0 {
		return false
	}
	lastKey := "undefined"
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		var key, value string
		if eq := strings.IndexByte(line, '='); eq < 0 {
			key = lastKey
			value = line
		} else {
			key = strings.TrimSpace(line[:eq])
			value = strings.TrimSpace(line[eq+1:])
		}
		existing := out.Find(key)
		switch {
		case existing == nil:
			out.SetString(key, value)
		case existing.Type == dynamic.String:
			prev := existing.Str
			*existing = *dynamic.NewArray()
			existing.Push(dynamic.NewString(prev))
			existing.Push(dynamic.NewString(value))
		case existing.Type == dynamic.Array:
			existing.Push(dynamic.NewString(value))
		default:
			*existing = *dynamic.NewString(value)
		}
		lastKey = key
	}
	return true
}
