package common

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	loggerMu sync.RWMutex
	logger   arbor.ILogger
)

func consoleConfig() models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeConsole,
		TimeFormat: "15:04:05",
		TextOutput: true,
	}
}

// GetLogger returns the process-wide logger. Before InitLogger runs it
// hands out a console-only logger so early startup paths can still log.
func GetLogger() arbor.ILogger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = arbor.NewLogger().WithConsoleWriter(consoleConfig())
	}
	return logger
}

// InitLogger builds the logger from config and installs it as the
// process-wide instance. File output lands in logs/ next to the binary.
func InitLogger(config *Config) arbor.ILogger {
	l := arbor.NewLogger()

	if hasOutput(config, "file") {
		if dir, err := logDir(); err == nil {
			l = l.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   filepath.Join(dir, "fresco.log"),
				TimeFormat: "15:04:05",
				MaxSize:    100 * 1024 * 1024,
				MaxBackups: 3,
				TextOutput: true,
			})
		}
	}
	if hasOutput(config, "stdout") || hasOutput(config, "console") || len(config.Logging.Output) == 0 {
		l = l.WithConsoleWriter(consoleConfig())
	}
	l = l.WithLevelFromString(config.Logging.Level)

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return l
}

func hasOutput(config *Config, name string) bool {
	for _, out := range config.Logging.Output {
		if out == name {
			return true
		}
	}
	return false
}

func logDir() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(filepath.Dir(execPath), "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
