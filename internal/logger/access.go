package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogFormat 访问日志格式
type LogFormat string

const (
	FormatNginx LogFormat = "nginx"
	FormatJSON  LogFormat = "json"
)

// AccessLog 单条访问日志记录
type AccessLog struct {
	Timestamp   time.Time `json:"timestamp"`
	Protocol    string    `json:"protocol"` // fcgi 或 ws
	RequestID   uint16    `json:"request_id"`
	Method      string    `json:"method"`
	URI         string    `json:"uri"`
	Status      string    `json:"status"` // complete / overloaded / aborted
	BytesIn     int       `json:"bytes_in"`
	BytesOut    int       `json:"bytes_out"`
	RequestTime float64   `json:"request_time"`
	RemoteAddr  string    `json:"remote_addr"`
}

// AccessLogger 访问日志记录器，带按大小轮转
type AccessLogger struct {
	format      LogFormat
	writer      io.Writer
	file        *os.File
	mutex       sync.Mutex
	enabled     bool
	logPath     string
	maxSize     int64
	maxFiles    int
	currentSize int64
	log         *logrus.Entry
}

// NewAccessLogger 创建访问日志记录器，logPath 为空时关闭
func NewAccessLogger(format LogFormat, logPath string) (*AccessLogger, error) {
	a := &AccessLogger{
		format:   format,
		enabled:  logPath != "",
		logPath:  logPath,
		maxSize:  100 * 1024 * 1024, // 100MB
		maxFiles: 10,
		log: logrus.WithFields(logrus.Fields{
			"component": "access_logger",
		}),
	}
	if a.enabled {
		if err := a.openLogFile(); err != nil {
			return nil, fmt.Errorf("打开访问日志失败: %w", err)
		}
	}
	return a, nil
}

func (a *AccessLogger) openLogFile() error {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	file, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	if stat, err := file.Stat(); err == nil {
		a.currentSize = stat.Size()
	}
	a.file = file
	a.writer = file
	return nil
}

func (a *AccessLogger) rotateLogFile() error {
	if a.file == nil {
		return nil
	}
	a.file.Close()
	timestamp := time.Now().Format("20060102-150405")
	if err := os.Rename(a.logPath, fmt.Sprintf("%s.%s", a.logPath, timestamp)); err != nil {
		a.log.Errorf("重命名日志文件失败: %v", err)
	}
	go a.cleanOldFiles()
	a.currentSize = 0
	return a.openLogFile()
}

func (a *AccessLogger) cleanOldFiles() {
	dir := filepath.Dir(a.logPath)
	filename := filepath.Base(a.logPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var logFiles []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), filename+".") {
			logFiles = append(logFiles, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(logFiles)
	if len(logFiles) > a.maxFiles {
		for i := 0; i < len(logFiles)-a.maxFiles; i++ {
			os.Remove(logFiles[i])
		}
	}
}

// Log 记录一条访问日志
func (a *AccessLogger) Log(entry *AccessLog) {
	if a == nil || !a.enabled {
		return
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var line string
	switch a.format {
	case FormatJSON:
		line = a.formatJSON(entry)
	default:
		line = a.formatNginx(entry)
	}
	if _, err := fmt.Fprintln(a.writer, line); err != nil {
		a.log.Errorf("写入访问日志失败: %v", err)
		return
	}
	a.currentSize += int64(len(line) + 1)
	if a.file != nil && a.currentSize > a.maxSize {
		if err := a.rotateLogFile(); err != nil {
			a.log.Errorf("轮转日志文件失败: %v", err)
		}
	}
}

func (a *AccessLogger) formatNginx(l *AccessLog) string {
	return fmt.Sprintf(`%s - - [%s] "%s %s %s" %s %d %.3f`,
		l.RemoteAddr,
		l.Timestamp.Format("02/Jan/2006:15:04:05 -0700"),
		l.Method,
		l.URI,
		l.Protocol,
		l.Status,
		l.BytesOut,
		l.RequestTime,
	)
}

func (a *AccessLogger) formatJSON(l *AccessLog) string {
	data, err := json.Marshal(l)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Close 关闭日志文件
func (a *AccessLogger) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
