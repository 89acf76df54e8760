// Package logger is the component-tagged structured logger used across clawgate.
// Every line carries a level, a component name, a message and optional fields.
// Lines go to the console and, when enabled, to a JSON-lines file.
package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

var logLevelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a config string ("debug", "WARN", ...) into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	for level, name := range logLevelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return level, nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return WARN, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// LogEntry is one emitted log line. It is the JSON shape written to the log file
// and the value handed to hooks.
type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// Hook observes every entry that passes the level filter.
type Hook func(entry LogEntry)

type Logger struct {
	file   *os.File
	hooks  map[int]Hook
	nextID int
}

var (
	currentLevel = INFO
	logger       = &Logger{hooks: make(map[int]Hook)}
	mu           sync.RWMutex
)

// SetLevel sets the minimum level that is emitted.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// EnableFileLogging appends JSON-lines entries to filePath in addition to the console.
func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if logger.file != nil {
		logger.file.Close()
		logger.file = nil
	}
}

// AddHook registers h and returns a function that removes it.
func AddHook(h Hook) (remove func()) {
	mu.Lock()
	defer mu.Unlock()
	id := logger.nextID
	logger.nextID++
	logger.hooks[id] = h
	return func() {
		mu.Lock()
		defer mu.Unlock()
		delete(logger.hooks, id)
	}
}

// Log emits one entry at the given level. Unlike FatalCF it never exits the
// process, so bridges forwarding foreign severities can use it safely.
func Log(level LogLevel, component string, message string, fields map[string]interface{}) {
	logMessage(level, component, message, fields)
}

func logMessage(level LogLevel, component string, message string, fields map[string]interface{}) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}

	entry := LogEntry{
		Level:     level.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			entry.Caller = fmt.Sprintf("%s:%d (%s)", file, line, fn.Name())
		}
	}

	if logger.file != nil {
		if jsonData, err := json.Marshal(entry); err == nil {
			logger.file.WriteString(string(jsonData) + "\n")
		}
	}

	hooks := make([]Hook, 0, len(logger.hooks))
	for _, h := range logger.hooks {
		hooks = append(hooks, h)
	}
	mu.RUnlock()

	var fieldStr string
	if len(fields) > 0 {
		fieldStr = " " + formatFields(fields)
	}

	log.Printf("[%s] %s%s%s", entry.Level, formatComponent(component), message, fieldStr)

	for _, h := range hooks {
		h(entry)
	}
}

func formatComponent(component string) string {
	if component == "" {
		return ""
	}
	return fmt.Sprintf("%s: ", component)
}

func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func Trace(message string) {
	logMessage(TRACE, "", message, nil)
}

func TraceC(component string, message string) {
	logMessage(TRACE, component, message, nil)
}

func TraceCF(component string, message string, fields map[string]interface{}) {
	logMessage(TRACE, component, message, fields)
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

// FatalCF logs and exits the process with status 1.
func FatalCF(component string, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
	os.Exit(1)
}
