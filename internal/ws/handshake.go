package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
)

// websocketGUID 握手固定串，见 RFC 6455 §1.3
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey 由客户端的 Sec-WebSocket-Key 计算应答键
func AcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// handshakeRequest 解析后的 HTTP 升级请求
type handshakeRequest struct {
	method        string
	uri           string
	headers       map[string]string
	contentLength int
	upgrade       bool
	wsKey         string
}

// parseHandshake 解析头部块（含结尾空行前的全部行）。
// 头名一律小写化，WebSocket 升级的判定看 Upgrade 头和 Key。
func parseHandshake(head string) (*handshakeRequest, bool) {
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return nil, false
	}
	reqLine := strings.Fields(lines[0])
	if len(reqLine) < 3 {
		return nil, false
	}
	hr := &handshakeRequest{
		method:  reqLine[0],
		uri:     reqLine[1],
		headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		hr.headers[name] = value
	}
	if v, ok := hr.headers["content-length"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			hr.contentLength = n
		}
	}
	hr.wsKey = hr.headers["sec-websocket-key"]
	hr.upgrade = strings.Contains(strings.ToLower(hr.headers["upgrade"]), "websocket") && hr.wsKey != ""
	return hr, true
}

// buildUpgradeResponse 101 切换协议应答
func buildUpgradeResponse(acceptKey string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey + "\r\n\r\n")
}

// wrapHTTPResponse 处理器输出以 HTTP/ 开头时原样透传，
// 否则包一层最小的 200 应答并在发送后关闭连接
func wrapHTTPResponse(payload []byte, contentType string) []byte {
	if len(payload) >= 5 && string(payload[:5]) == "HTTP/" {
		return payload
	}
	head := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: " + contentType + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(payload)) + "\r\n" +
		"Connection: close\r\n\r\n"
	out := make([]byte, 0, len(head)+len(payload))
	out = append(out, head...)
	return append(out, payload...)
}
