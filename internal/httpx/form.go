package httpx

import (
	"fmt"
	"strings"

	"github.com/Udo/wasapi/internal/dynamic"
	"github.com/Udo/wasapi/internal/fileio"
	"github.com/Udo/wasapi/internal/request"
)

// ParseEndpointFileContext 加载端点键值文件到请求上下文
func ParseEndpointFileContext(r *request.Request, endpointVar string, cache *fileio.Cache) {
	r.Context.BecomeObject()
	v := r.Env.Find(endpointVar)
	if v == nil || v.Type != dynamic.String || cache == nil {
		return
	}
	fileio.LoadKV(cache, v.Str, r.Context)
}

// ParseCookies 解析请求环境里的 Cookie 头
func ParseCookies(r *request.Request, cookiesVar string) {
	ParseCookieHeader(r.Env.Find(cookiesVar).ToString(), r.Cookies)
}

// ParseQuery 解析查询串到请求参数
func ParseQuery(r *request.Request, queryVar string) {
	r.Params.BecomeObject()
	for k, v := range ParseQueryString(r.Env.Find(queryVar).ToString()) {
		r.Params.SetString(k, v)
	}
}

// ParseFormData 按 CONTENT_TYPE 分派请求体解析：
// JSON、urlencoded 或 multipart，其余类型不动请求体。
func ParseFormData(r *request.Request, uploadDir string) {
	ct := r.Env.Find("CONTENT_TYPE")
	if ct == nil || ct.Type != dynamic.String {
		return
	}
	lct := strings.ToLower(ct.Str)
	switch {
	case strings.Contains(lct, "application/json"):
		parseJSONForm(r)
	case strings.Contains(lct, "application/x-www-form-urlencoded"):
		parseURLEncodedForm(r)
	case strings.Contains(lct, "multipart/form-data"):
		parseMultipartForm(r, ct.Str, lct, uploadDir)
	}
}

// JSON 对象的键并入 params；其他 JSON 值整体挂在 _json 下，
// 解析失败在 _json_error 里报出错偏移。
func parseJSONForm(r *request.Request) {
	r.Params.BecomeObject()
	parsed, errPos, err := dynamic.ParseJSON(r.Body)
	if err != nil {
		r.Params.SetString("_json_error", fmt.Sprintf("parse error at position %d", errPos))
		return
	}
	if parsed.Type == dynamic.Object {
		for k, v := range parsed.Obj {
			r.Params.Set(k, v)
		}
	} else {
		r.Params.Set("_json", parsed)
	}
}

func parseURLEncodedForm(r *request.Request) {
	r.Params.BecomeObject()
	for k, v := range ParseQueryString(string(r.Body)) {
		r.Params.SetString(k, v)
	}
}

func parseMultipartForm(r *request.Request, ct, lct, uploadDir string) {
	boundary := ""
	if bpos := strings.Index(lct, "boundary="); bpos >= 0 {
		boundary = ct[bpos+len("boundary="):]
	}
	if len(boundary) >= 2 && boundary[0] == '"' && boundary[len(boundary)-1] == '"' {
		boundary = boundary[1 : len(boundary)-1]
	}
	if boundary == "" {
		return
	}
	fields := make(map[string]string)
	ExtractFilesFromFormData(r.Body, boundary, uploadDir, fields, r.Files)
	r.Params.BecomeObject()
	for k, v := range fields {
		r.Params.SetString(k, v)
	}
}
