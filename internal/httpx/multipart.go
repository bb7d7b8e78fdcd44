package httpx

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Udo/wasapi/internal/dynamic"
)

// ExtractFilesFromFormData 解析 multipart/form-data 请求体。
// 普通字段写入 formFields，文件字段落盘到 uploadDir 下的
// fcgi_upload_* 临时文件，元信息追加到 files 数组。
// 写入字节数不足预期时标记 partial，不做重试。
func ExtractFilesFromFormData(body []byte, boundary, uploadDir string, formFields map[string]string, files *dynamic.Value) bool {
	if boundary == "" {
		return false
	}
	*files = *dynamic.NewArray()
	delim := []byte("--" + boundary)
	pos := 0
	for {
		start := bytes.Index(body[pos:], delim)
		if start < 0 {
			break
		}
		start += pos + len(delim)
		if start+2 <= len(body) && body[start] == '-' && body[start+1] == '-' {
			break
		}
		if start+1 < len(body) && body[start] == '\r' && body[start+1] == '\n' {
			start += 2
		} else {
			return false
		}
		headerEnd := bytes.Index(body[start:], []byte("\r\n\r\n"))
		if headerEnd < 0 {
			return false
		}
		headers := string(body[start : start+headerEnd])
		contentStart := start + headerEnd + 4
		partEnd := bytes.Index(body[contentStart:], append([]byte("\r\n"), delim...))
		if partEnd < 0 {
			return false
		}
		content := body[contentStart : contentStart+partEnd]

		fieldName, filename, ctype := parsePartHeaders(headers)
		if filename == "" {
			formFields[fieldName] = string(content)
		} else {
			if f := writeUploadTemp(content, uploadDir, fieldName, filename, ctype); f != nil {
				files.Push(f)
			}
		}
		pos = contentStart + partEnd + 2
	}
	return true
}

func parsePartHeaders(headers string) (fieldName, filename, ctype string) {
	for _, line := range strings.Split(headers, "\r\n") {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		switch name {
		case "content-disposition":
			for _, part := range strings.Split(value, ";") {
				part = strings.TrimSpace(part)
				eq := strings.IndexByte(part, '=')
				if eq < 0 {
					continue
				}
				attr := strings.TrimSpace(part[:eq])
				aval := strings.TrimSpace(part[eq+1:])
				if len(aval) >= 2 && aval[0] == '"' && aval[len(aval)-1] == '"' {
					aval = aval[1 : len(aval)-1]
				} else {
					continue
				}
				switch attr {
				case "name":
					fieldName = aval
				case "filename":
					filename = aval
				}
			}
		case "content-type":
			ctype = value
		}
	}
	return
}

// fnv1a64 与上传文件一起记录的内容指纹
func fnv1a64(data []byte) uint64 {
	hv := uint64(1469598103934665603)
	for _, b := range data {
		hv ^= uint64(b)
		hv *= 1099511628211
	}
	return hv
}

func writeUploadTemp(content []byte, uploadDir, fieldName, filename, ctype string) *dynamic.Value {
	f, err := os.CreateTemp(uploadDir, "fcgi_upload_*")
	if err != nil {
		return nil
	}
	written, werr := f.Write(content)
	f.Close()
	if written < 0 {
		written = 0
	}

	file := dynamic.NewObject()
	file.SetString("field_name", fieldName)
	file.SetString("filename", filepath.Base(filename))
	if ctype != "" {
		file.SetString("content_type", ctype)
	}
	file.SetString("temp_path", f.Name())
	file.Set("size", dynamic.NewNumber(float64(written)))
	file.Set("expected_size", dynamic.NewNumber(float64(len(content))))
	file.SetString("hash_fnv1a64", fmt.Sprintf("%016x", fnv1a64(content)))
	if werr != nil || written != len(content) {
		file.Set("partial", dynamic.NewBool(true))
	}
	return file
}
