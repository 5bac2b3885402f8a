// Package logging provides the line-oriented console logger used by every
// bus component. Entries are written as
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Components derive their own logger with WithComponent so a single output
// can be shared by the bus, the runtimes, the registry and the monitors.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l
	}
	return LevelInfo
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name.
// The returned logger shares output and lock with its parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs, sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	if len(fields) > 0 {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Bus event helpers ---

// Delivered logs a message enqueued into a mailbox.
func (l *Logger) Delivered(msgID, msgType, from, to string) {
	l.Debug("delivered", map[string]interface{}{
		"id":   msgID,
		"type": msgType,
		"from": from,
		"to":   to,
	})
}

// DeliveryFailed logs a message that could not be handed to its recipient.
func (l *Logger) DeliveryFailed(msgID, to string, err error) {
	l.Warn("delivery_failed", map[string]interface{}{
		"id":    msgID,
		"to":    to,
		"error": err,
	})
}

// Expired logs a message dropped because its expiry passed.
func (l *Logger) Expired(msgID, to string, err error) {
	l.Debug("expired", map[string]interface{}{
		"id":    msgID,
		"to":    to,
		"error": err,
	})
}

// HandlerFailed logs a handler that returned an error or panicked.
func (l *Logger) HandlerFailed(agentID, msgID, msgType string, consecutive int, err error) {
	l.Error("handler_failed", map[string]interface{}{
		"agent":       agentID,
		"id":          msgID,
		"type":        msgType,
		"consecutive": consecutive,
		"error":       err,
	})
}

// Lifecycle logs an agent lifecycle transition.
func (l *Logger) Lifecycle(agentID, from, to string) {
	l.Info("lifecycle", map[string]interface{}{
		"agent": agentID,
		"from":  from,
		"to":    to,
	})
}

// PipelineStep logs a pipeline advancing to a step.
func (l *Logger) PipelineStep(pipelineID, workflow, step, agentID string) {
	l.Debug("pipeline_step", map[string]interface{}{
		"pipeline": pipelineID,
		"workflow": workflow,
		"step":     step,
		"agent":    agentID,
	})
}

// PipelineTerminal logs a pipeline reaching completed or failed.
func (l *Logger) PipelineTerminal(pipelineID, workflow, outcome string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"pipeline": pipelineID,
		"workflow": workflow,
		"outcome":  outcome,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("pipeline_terminal", fields)
		return
	}
	l.Info("pipeline_terminal", fields)
}

// LivenessChanged logs an agent moving between connected, idle and disconnected.
func (l *Logger) LivenessChanged(agentID, from, to string, silence time.Duration) {
	fields := map[string]interface{}{
		"agent":   agentID,
		"from":    from,
		"to":      to,
		"silence": silence.Round(time.Millisecond).String(),
	}
	if to == "disconnected" {
		l.Warn("liveness", fields)
		return
	}
	l.Info("liveness", fields)
}
