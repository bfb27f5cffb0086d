package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// SetupBaseLogger installs stdout output at info level and routes gin's
// writers through the logger. Safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		SetOutput(os.Stdout)
		SetLevel(slog.LevelInfo)

		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = WriterLevel(slog.LevelInfo)
		gin.DefaultErrorWriter = WriterLevel(slog.LevelError)
		gin.DebugPrintFunc = func(format string, values ...any) {
			Debugf(strings.TrimRight(format, "\n"), values...)
		}

		RegisterExitHandler(closeLogOutputs)
	})
}

// ConfigureLogOutput switches between stdout and a rotating file under dir
// (defaults to ./logs, or $WRITABLE_PATH/logs when set).
func ConfigureLogOutput(loggingToFile bool, dir string) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if !loggingToFile {
		SetOutput(os.Stdout)
		return nil
	}

	if dir == "" {
		dir = "logs"
		if base := writablePath(); base != "" {
			dir = filepath.Join(base, "logs")
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "llm-relay.log"),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     14,
	}
	SetOutput(logWriter)
	return nil
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}

func writablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}
