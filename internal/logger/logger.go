package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init 初始化全局日志：级别、输出目标和文本格式
func Init(level, destination string) {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if destination != "" && destination != "stderr" {
		file, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logrus.Warnf("打开日志文件失败，回退到 stderr: %v", err)
			return
		}
		logrus.SetOutput(file)
	}
}
