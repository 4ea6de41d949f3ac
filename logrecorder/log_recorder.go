package logrecorder

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

var verbose atomic.Bool

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 root 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(root string) (string, error) {
	now := time.Now()
	fullPath := filepath.Join(root, fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	return fullPath, nil
}

// Init sends the standard logger to stderr and to <root>/<date>/<name><stamp>.log.
// The returned closer flushes and closes the file.
func Init(root, name string) (io.Closer, error) {
	log.SetPrefix("")
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	dir, err := MakeDir(root)
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", name, NowString()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// SetVerbose enables Debugf output.
func SetVerbose(v bool) { verbose.Store(v) }

// Debugf logs only in verbose mode.
func Debugf(format string, args ...interface{}) {
	if verbose.Load() {
		log.Output(2, "DEBUG: "+fmt.Sprintf(format, args...))
	}
}

func Errorf(format string, args ...interface{}) {
	log.Output(2, "ERROR: "+fmt.Sprintf(format, args...))
}
