package common

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

const (
	logTimeFormat   = "15:04:05"
	logFileMaxSize  = 100 * 1024 * 1024
	logFileBackups  = 3
	defaultLogsDir  = "logs"
	defaultLogFile  = "brainrot.log"
	logFormatJSON   = "json"
	logOutputFile   = "file"
	logOutputStdout = "stdout"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the logger set by InitLogger, or a console logger
// before that
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	logger := globalLogger
	loggerMutex.RUnlock()
	if logger != nil {
		return logger
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(consoleWriter("text"))
	}
	return globalLogger
}

// InitLogger builds the process logger from the [logging] section and
// points crash reports at the same directory as the log file
func InitLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	cfg := config.Logging
	logger := arbor.NewLogger()

	toFile := slices.Contains(cfg.Output, logOutputFile)
	toConsole := !toFile || slices.Contains(cfg.Output, logOutputStdout) || slices.Contains(cfg.Output, "console")

	if toFile {
		dir, err := resolveLogDir(cfg.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
			toConsole = true
		} else {
			SetCrashDir(dir)
			logger = logger.WithFileWriter(fileWriter(cfg.Format, logFilePath(dir, cfg.File)))
		}
	}

	if toConsole {
		logger = logger.WithConsoleWriter(consoleWriter(cfg.Format))
	}

	logger = logger.WithLevelFromString(cfg.Level)
	globalLogger = logger
	return logger
}

func consoleWriter(format string) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeConsole,
		TimeFormat: logTimeFormat,
		OutputType: models.OutputFormat(format),
	}
}

func fileWriter(format, path string) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeFile,
		FileName:   path,
		TimeFormat: logTimeFormat,
		MaxSize:    logFileMaxSize,
		MaxBackups: logFileBackups,
		OutputType: models.OutputFormat(format),
	}
}

// resolveLogDir creates dir, or logs/ next to the executable when dir is empty
func resolveLogDir(dir string) (string, error) {
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("failed to get executable path: %w", err)
		}
		dir = filepath.Join(filepath.Dir(exe), defaultLogsDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return dir, nil
}

func logFilePath(dir, name string) string {
	if name == "" {
		name = defaultLogFile
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
