package model

import (
	"fmt"
	"strings"
	"sync"
)

// TestLogger is a [Logger] collecting lines in memory. It is safe to use
// from multiple goroutines.
type TestLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (tl *TestLogger) append(msg string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.Lines = append(tl.Lines, msg)
}

func (tl *TestLogger) Debug(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Debugf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Info(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Infof(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Warn(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Warnf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}

// Contains returns whether any collected line contains substr.
func (tl *TestLogger) Contains(substr string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, line := range tl.Lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		Lines: make([]string, 0),
	}
}
