package debug

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

var (
	// mu protects isEnabled and currentLevel from concurrent access
	mu sync.RWMutex
	// isEnabled controls whether debug messages are output
	isEnabled bool
	// currentLevel is the minimum level of messages to output
	currentLevel LogLevel
	logger       *log.Logger
	levelNames   = map[LogLevel]string{
		LevelDebug:   "DEBUG",
		LevelInfo:    "INFO",
		LevelWarning: "WARNING",
		LevelError:   "ERROR",
	}
	levelMap = map[string]LogLevel{
		"DEBUG":   LevelDebug,
		"INFO":    LevelInfo,
		"WARNING": LevelWarning,
		"ERROR":   LevelError,
	}
)

func init() {
	logger = log.New(os.Stdout, "", 0)

	debugEnv := os.Getenv("DEBUG")
	enabled := debugEnv == "true" || debugEnv == "1"

	levelEnv := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	level := LevelInfo // Default to INFO if not specified
	if l, exists := levelMap[levelEnv]; exists {
		level = l
	}

	mu.Lock()
	isEnabled = enabled
	currentLevel = level
	mu.Unlock()

	if enabled {
		Info("Debug logging initialized - Enabled: %v, Level: %s", enabled, levelNames[level])
	}
}

// IsDebugEnabled returns whether debug logging is enabled (thread-safe)
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return isEnabled
}

// GetLogLevel returns the current log level (thread-safe)
func GetLogLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetEnabled enables or disables debug logging at runtime (thread-safe)
func SetEnabled(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	isEnabled = enabled
}

// SetLogLevel sets the minimum log level at runtime (thread-safe)
func SetLogLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// ParseLevel converts a string to LogLevel
func ParseLevel(levelStr string) (LogLevel, bool) {
	level, exists := levelMap[strings.ToUpper(levelStr)]
	return level, exists
}

func LogWithLevel(level LogLevel, format string, v ...interface{}) {
	mu.RLock()
	enabled := isEnabled
	minLevel := currentLevel
	mu.RUnlock()

	if !enabled || level < minLevel {
		return
	}

	// Get caller information
	pc, file, line, _ := runtime.Caller(2)
	funcName := runtime.FuncForPC(pc).Name()

	message := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	logger.Printf("[%s] [%s] [%s:%d] [%s] %s\n",
		levelNames[level],
		timestamp,
		file,
		line,
		funcName,
		message,
	)
}

// Debug logs a debug level message
func Debug(format string, v ...interface{}) {
	LogWithLevel(LevelDebug, format, v...)
}

// Info logs an info level message
func Info(format string, v ...interface{}) {
	LogWithLevel(LevelInfo, format, v...)
}

// Warning logs a warning level message
func Warning(format string, v ...interface{}) {
	LogWithLevel(LevelWarning, format, v...)
}

// Error logs an error level message
func Error(format string, v ...interface{}) {
	LogWithLevel(LevelError, format, v...)
}

// Reinitialize updates the debug settings based on current environment variables
func Reinitialize() {
	debugEnv := os.Getenv("DEBUG")
	enabled := debugEnv == "true" || debugEnv == "1"

	levelEnv := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	level := LevelInfo
	if l, exists := levelMap[levelEnv]; exists {
		level = l
	}

	mu.Lock()
	isEnabled = enabled
	currentLevel = level
	mu.Unlock()

	if enabled {
		Info("Debug logging reinitialized - Enabled: %v, Level: %s", enabled, levelNames[level])
	}
}
