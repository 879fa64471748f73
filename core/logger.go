package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default structured logger. It emits JSON in
// Kubernetes (auto-detected) and human-readable text locally.
//
// Configuration priority:
//  1. Explicit setters (highest)
//  2. Environment variables (MAESTRO_LOG_LEVEL, MAESTRO_LOG_FORMAT, MAESTRO_DEBUG)
//  3. Auto-detection (K8s environment)
//  4. Defaults (lowest)
type ProductionLogger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
	mu        sync.RWMutex

	// Rate limiting to prevent log flooding during failures
	lastError   time.Time
	minErrorGap time.Duration
}

// NewProductionLogger creates a logger for one component.
func NewProductionLogger(component string) *ProductionLogger {
	level := os.Getenv("MAESTRO_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("MAESTRO_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json" // JSON in K8s for log aggregation
	}
	if envFormat := os.Getenv("MAESTRO_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:       strings.ToUpper(level),
		debug:       debug,
		component:   component,
		format:      format,
		output:      os.Stdout,
		minErrorGap: time.Second,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs with rate limiting so a failing hot loop cannot flood output.
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastError) < l.minErrorGap {
		l.mu.Unlock()
		return
	}
	l.lastError = now
	l.mu.Unlock()
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Keep the common fields first for readability
		for _, key := range []string{"operation", "request_id", "agent", "error"} {
			if v, ok := fields[key]; ok {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", key, v))
			}
		}
		for k, v := range fields {
			switch k {
			case "operation", "request_id", "agent", "error":
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, fieldStr.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level.
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
