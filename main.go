package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Udo/wasapi/internal/arena"
	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/fcgi"
	"github.com/Udo/wasapi/internal/fileio"
	"github.com/Udo/wasapi/internal/handler"
	"github.com/Udo/wasapi/internal/logger"
	"github.com/Udo/wasapi/internal/monitor"
	"github.com/Udo/wasapi/internal/notify"
	"github.com/Udo/wasapi/internal/session"
	"github.com/Udo/wasapi/internal/worker"
	"github.com/Udo/wasapi/internal/ws"

	"github.com/sirupsen/logrus"
)

var (
	version = "1.0.0"
	build   = "dev"
)

func main() {
	var (
		configFile  = flag.String("config", "", "配置文件路径 (.json/.yaml)")
		fcgiPort    = flag.Int("fcgi-port", 0, "FastCGI TCP 端口，覆盖配置")
		fcgiSocket  = flag.String("fcgi-socket", "", "FastCGI UNIX 套接字路径，覆盖配置")
		wsPort      = flag.Int("ws-port", 0, "WebSocket TCP 端口，覆盖配置")
		wsSocket    = flag.String("ws-socket", "", "WebSocket UNIX 套接字路径，覆盖配置")
		workers     = flag.Int("workers", 0, "工作 goroutine 数，覆盖配置")
		logLevel    = flag.String("log-level", "", "日志级别，覆盖配置")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wasapi v%s (build: %s)\n", version, build)
		return
	}

	// 加载配置
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 命令行参数覆盖配置
	if *fcgiPort != 0 {
		cfg.FastCGI.Port = *fcgiPort
	}
	if *fcgiSocket != "" {
		cfg.FastCGI.SocketPath = *fcgiSocket
	}
	if *wsPort != 0 {
		cfg.WS.Port = *wsPort
	}
	if *wsSocket != "" {
		cfg.WS.SocketPath = *wsSocket
	}
	if *workers != 0 {
		cfg.Limits.Workers = *workers
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 初始化日志
	logger.Init(cfg.Log.Level, cfg.Log.Destination)
	log := logrus.WithFields(logrus.Fields{
		"component": "main",
	})
	log.Infof("启动 wasapi v%s (build: %s)", version, build)

	store := config.NewStore(cfg)

	// 配置热加载
	watcher, err := config.NewWatcher(store)
	if err != nil {
		log.Warnf("创建配置监视器失败: %v", err)
		watcher = nil
	} else if err := watcher.Start(); err != nil {
		log.Warnf("启动配置监视器失败: %v", err)
	}

	// 访问日志
	access, err := logger.NewAccessLogger(logger.LogFormat(cfg.Log.AccessLogFormat), cfg.Log.AccessLogPath)
	if err != nil {
		log.Fatalf("初始化访问日志失败: %v", err)
	}

	// 竞技场池：数量即并发请求上限
	arenas := arena.NewManager(cfg.Limits.MaxInFlight, cfg.Limits.ArenaCapacity)

	// 工作池
	pool := worker.NewPool()
	pool.Start(cfg.WorkerCount())

	// 文件缓存与会话存储
	fileCache := fileio.NewCache(16*1024*1024, 30*time.Second)
	sessions := session.NewStore(store, fileCache)

	// 运行状态监控
	mon := monitor.NewMonitor(arenas, pool)
	mon.Start(time.Minute)

	// 默认演示处理器
	dump := handler.NewDump(store, sessions, mon)

	fcgiEngine := fcgi.NewEngine(store, arenas, pool, sessions, fileCache, access, dump.ServeFCGI)
	wsEngine := ws.NewEngine(store, arenas, pool, access, dump.ServeWS)

	// 竞技场归还时唤醒 FastCGI 反应堆：恢复 accept、
	// 重新驱动等竞技场的连接
	arenas.OnRelease(func() {
		if n := fcgiEngine.Notifier(); n != nil {
			n.Signal()
		}
	})

	notifier := notify.NewFromEnv()
	notifier.Event("startup", map[string]any{
		"fcgi_addr":     listenAddr(cfg.FastCGI.Port, cfg.FastCGI.SocketPath),
		"ws_addr":       listenAddr(cfg.WS.Port, cfg.WS.SocketPath),
		"max_in_flight": cfg.Limits.MaxInFlight,
	})

	// 停机标志：信号处理翻转，反应堆循环观察
	var stop atomic.Bool
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Infof("收到信号 %v，开始优雅关闭...", sig)
		stop.Store(true)
		if n := fcgiEngine.Notifier(); n != nil {
			n.Signal()
		}
	}()

	// 每个监听一个反应堆线程
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := fcgiEngine.Serve(&stop); err != nil {
			errCh <- fmt.Errorf("FastCGI 反应堆: %w", err)
			stop.Store(true)
		}
	}()
	go func() {
		defer wg.Done()
		if err := wsEngine.Serve(&stop); err != nil {
			errCh <- fmt.Errorf("WebSocket 反应堆: %w", err)
			stop.Store(true)
		}
	}()
	wg.Wait()

	// 停止各个组件
	mon.Stop()
	pool.Shutdown()
	if watcher != nil {
		watcher.Stop()
	}
	access.Close()
	notifier.Event("shutdown", nil)

	select {
	case err := <-errCh:
		log.Errorf("启动失败: %v", err)
		os.Exit(1)
	default:
	}
	log.Info("wasapi 已关闭")
}

func listenAddr(port int, socketPath string) string {
	if socketPath != "" {
		return socketPath
	}
	return fmt.Sprintf("tcp:%d", port)
}
