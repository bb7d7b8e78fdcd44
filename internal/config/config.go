package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 应用配置结构
type Config struct {
	FastCGI  FastCGIConfig  `json:"fastcgi" yaml:"fastcgi"`
	WS       WSConfig       `json:"websocket" yaml:"websocket"`
	Limits   LimitsConfig   `json:"limits" yaml:"limits"`
	Upload   UploadConfig   `json:"upload" yaml:"upload"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Handler  HandlerConfig  `json:"handler" yaml:"handler"`
	Shutdown ShutdownConfig `json:"shutdown" yaml:"shutdown"`

	ConfigFile string `json:"-" yaml:"-"` // 配置文件路径，不序列化
}

// FastCGIConfig FastCGI 监听配置
type FastCGIConfig struct {
	Port       int    `json:"fcgi_port" yaml:"fcgi_port"`
	SocketPath string `json:"fcgi_socket_path" yaml:"fcgi_socket_path"` // 非空时用 UNIX 套接字
	Backlog    int    `json:"backlog" yaml:"backlog"`
}

// WSConfig WebSocket 监听配置
type WSConfig struct {
	Port       int    `json:"ws_port" yaml:"ws_port"`
	SocketPath string `json:"ws_socket_path" yaml:"ws_socket_path"`
	Backlog    int    `json:"backlog" yaml:"backlog"`
}

// LimitsConfig 并发与请求上限配置
type LimitsConfig struct {
	MaxInFlight         int `json:"max_in_flight" yaml:"max_in_flight"`       // 竞技场数量 = 并发请求上限
	ArenaCapacity       int `json:"arena_capacity" yaml:"arena_capacity"`     // 单竞技场字节数
	Workers             int `json:"workers" yaml:"workers"`                   // 0 表示取 max_in_flight
	MaxParamsBytes      int `json:"max_params_bytes" yaml:"max_params_bytes"` // 超限即 OVERLOADED
	MaxStdinBytes       int `json:"max_stdin_bytes" yaml:"max_stdin_bytes"`
	OutputBufferInitial int `json:"output_buffer_initial" yaml:"output_buffer_initial"`
	MaxRequestTime      int `json:"max_request_time" yaml:"max_request_time"` // 秒，0 关闭超时
}

// UploadConfig 上传临时文件配置
type UploadConfig struct {
	TmpDir                  string `json:"upload_tmp_dir" yaml:"upload_tmp_dir"`
	KeepUploadedFiles       bool   `json:"keep_uploaded_files" yaml:"keep_uploaded_files"`
	CleanupTempOnDisconnect bool   `json:"cleanup_temp_on_disconnect" yaml:"cleanup_temp_on_disconnect"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	CookieName     string  `json:"session_cookie_name" yaml:"session_cookie_name"`
	CookiePath     string  `json:"session_cookie_path" yaml:"session_cookie_path"`
	CookieLifetime float64 `json:"session_cookie_lifetime" yaml:"session_cookie_lifetime"` // 秒
	StoragePath    string  `json:"session_storage_path" yaml:"session_storage_path"`
	AutoLoad       bool    `json:"session_auto_load" yaml:"session_auto_load"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level           string `json:"log_level" yaml:"log_level"`
	Destination     string `json:"log_destination" yaml:"log_destination"` // stderr 或文件路径
	AccessLogPath   string `json:"access_log_path" yaml:"access_log_path"` // 空表示关闭访问日志
	AccessLogFormat string `json:"access_log_format" yaml:"access_log_format"`
}

// HandlerConfig 处理器相关配置
type HandlerConfig struct {
	EndpointFilePath   string `json:"endpoint_file_path" yaml:"endpoint_file_path"`
	DefaultContentType string `json:"default_content_type" yaml:"default_content_type"`
	HTTPCookiesVar     string `json:"http_cookies_var" yaml:"http_cookies_var"`
	HTTPQueryVar       string `json:"http_query_var" yaml:"http_query_var"`
	BodyPreviewLimit   int    `json:"body_preview_limit" yaml:"body_preview_limit"`
	PrintEnvLimit      int    `json:"print_env_limit" yaml:"print_env_limit"`
	PrintIndent        int    `json:"print_indent" yaml:"print_indent"`
}

// ShutdownConfig 停机配置
type ShutdownConfig struct {
	GracefulTimeoutMS int `json:"graceful_shutdown_timeout_ms" yaml:"graceful_shutdown_timeout_ms"`
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		FastCGI: FastCGIConfig{
			Port:    9000,
			Backlog: 256 * 16,
		},
		WS: WSConfig{
			Port:    9001,
			Backlog: 128,
		},
		Limits: LimitsConfig{
			MaxInFlight:         64,
			ArenaCapacity:       256 * 1024,
			MaxParamsBytes:      256 * 1024,
			MaxStdinBytes:       2 * 1024 * 1024,
			OutputBufferInitial: 32 * 1024,
			MaxRequestTime:      0,
		},
		Upload: UploadConfig{
			TmpDir:                  "/tmp",
			KeepUploadedFiles:       false,
			CleanupTempOnDisconnect: true,
		},
		Session: SessionConfig{
			CookieName:     "session_id",
			CookiePath:     "/",
			CookieLifetime: 60 * 60 * 24 * 30,
			StoragePath:    "/tmp/sessions",
			AutoLoad:       true,
		},
		Log: LogConfig{
			Level:           "info",
			Destination:     "stderr",
			AccessLogFormat: "json",
		},
		Handler: HandlerConfig{
			EndpointFilePath:   "SCRIPT_FILENAME",
			DefaultContentType: "text/plain; charset=utf-8",
			HTTPCookiesVar:     "HTTP_COOKIE",
			HTTPQueryVar:       "QUERY_STRING",
			BodyPreviewLimit:   1024,
			PrintEnvLimit:      0,
			PrintIndent:        2,
		},
		Shutdown: ShutdownConfig{
			GracefulTimeoutMS: 5000,
		},
	}
}

// Load 加载配置文件，文件不存在时返回默认配置。
// 按扩展名选择 YAML 或 JSON 解析。
func Load(configFile string) (*Config, error) {
	config := Default()
	config.ConfigFile = configFile

	if configFile == "" {
		return config, nil
	}
	if _, err := os.Stat(configFile); err != nil {
		return config, nil
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if isYAML(configFile) {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save 保存配置到原路径
func (c *Config) Save() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("未设置配置文件路径")
	}
	if err := os.MkdirAll(filepath.Dir(c.ConfigFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	var (
		data []byte
		err  error
	)
	if isYAML(c.ConfigFile) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(c.ConfigFile, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// Validate 校验配置的基本约束
func (c *Config) Validate() error {
	if c.Limits.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight 必须大于 0")
	}
	if c.Limits.ArenaCapacity <= 0 {
		return fmt.Errorf("arena_capacity 必须大于 0")
	}
	if c.Limits.MaxParamsBytes < 0 || c.Limits.MaxStdinBytes < 0 {
		return fmt.Errorf("请求上限不能为负")
	}
	return nil
}

// WorkerCount 工作 goroutine 数，未配置时取 max_in_flight
func (c *Config) WorkerCount() int {
	if c.Limits.Workers > 0 {
		return c.Limits.Workers
	}
	return c.Limits.MaxInFlight
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
