package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// Notifier 运维事件通知：webhook、syslog(udp) 或 Loki，
// 全部尽力而为，不影响主流程。
type Notifier struct {
	webhookURL string
	syslogAddr string
	lokiURL    string
	httpClient *http.Client
	hostname   string
}

// NewFromEnv 从环境变量创建通知器
func NewFromEnv() *Notifier {
	n := &Notifier{
		webhookURL: strings.TrimSpace(os.Getenv("WASAPI_WEBHOOK_URL")),
		syslogAddr: strings.TrimSpace(os.Getenv("WASAPI_SYSLOG_ADDR")), // host:port (udp)
		lokiURL:    strings.TrimSpace(os.Getenv("WASAPI_LOKI_URL")),    // http(s)://host:3100/loki/api/v1/push
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	if h, _ := os.Hostname(); h != "" {
		n.hostname = h
	} else {
		n.hostname = "wasapi"
	}
	return n
}

// Enabled 是否配置了任意通知目标
func (n *Notifier) Enabled() bool {
	return n != nil && (n.webhookURL != "" || n.syslogAddr != "" || n.lokiURL != "")
}

// Event 发送一条事件，kind 如 startup / shutdown / overload
func (n *Notifier) Event(kind string, fields map[string]any) {
	if !n.Enabled() {
		return
	}
	payload := map[string]any{
		"event": kind,
		"host":  n.hostname,
		"time":  time.Now().Format(time.RFC3339),
	}
	for k, v := range fields {
		payload[k] = v
	}
	n.sendJSON(payload)
}

func (n *Notifier) sendJSON(v map[string]any) {
	if n.webhookURL != "" {
		b, _ := json.Marshal(v)
		req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewReader(b))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			n.httpClient.Do(req) // 忽略错误，尽量不影响主流程
		}
	}
	if n.syslogAddr != "" {
		if conn, err := net.DialTimeout("udp", n.syslogAddr, time.Second); err == nil {
			b, _ := json.Marshal(v)
			fmt.Fprintf(conn, "<134>wasapi: %s", b)
			conn.Close()
		}
	}
	if n.lokiURL != "" {
		b, _ := json.Marshal(v)
		entry := map[string]any{
			"streams": []map[string]any{{
				"stream": map[string]string{"app": "wasapi", "host": n.hostname},
				"values": [][]string{{fmt.Sprintf("%d", time.Now().UnixNano()), string(b)}},
			}},
		}
		body, _ := json.Marshal(entry)
		req, err := http.NewRequest(http.MethodPost, n.lokiURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			n.httpClient.Do(req)
		}
	}
}
