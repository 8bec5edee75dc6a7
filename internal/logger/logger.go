package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New 根据级别与格式创建根日志器，组件通过 WithField("prefix", ...) 派生。
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = NewFormatter(format)
	log.Level = ParseLevel(level)
	return log
}

// NewFormatter 返回 text（默认）或 json 格式化器。
func NewFormatter(format string) logrus.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return &logrus.JSONFormatter{}
	default:
		return &logrus.TextFormatter{FullTimestamp: true}
	}
}

// ParseLevel 将配置中的级别字符串映射为 logrus 级别，未知值回落到 info。
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return logrus.ErrorLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Discard 返回丢弃全部输出的日志条目，供测试与未配置日志的调用方使用。
func Discard() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return logrus.NewEntry(log)
}
