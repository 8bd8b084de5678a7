// Package logging provides the leveled, JSON-structured logging used across
// the validator core: plain stdlib log.Logger underneath, machine-parseable
// JSON records for anything another process might want to scrape.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("logging: invalid log level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger is a small leveled wrapper over *log.Logger. It is safe for
// concurrent use because log.Logger already serializes writes.
type Logger struct {
	level Level
	out   *log.Logger
	field string // component name, e.g. "worker", "primary"
}

func New(w io.Writer, level Level, component string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		level: level,
		out:   log.New(w, "", 0),
		field: component,
	}
}

func (l *Logger) With(component string) *Logger {
	if l == nil {
		return New(os.Stderr, LevelInfo, component)
	}
	return &Logger{level: l.level, out: l.out, field: component}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	l.out.Printf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339Nano), strings.ToUpper(level.String()), fmt.Sprintf(format, args...))
}

// Event is a structured, one-line JSON record for consensus milestones
// (round advanced, certificate committed, block produced) that a node
// operator or test harness may want to grep/parse.
type Event struct {
	Time      string         `json:"time"`
	Component string         `json:"component"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (l *Logger) Event(kind string, fields map[string]any) {
	if l == nil {
		return
	}
	ev := Event{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Component: l.field,
		Kind:      kind,
		Fields:    fields,
	}
	enc, err := json.Marshal(ev)
	if err != nil {
		l.out.Printf("logging: failed to marshal event %s: %v", kind, err)
		return
	}
	l.out.Println(string(enc))
}
