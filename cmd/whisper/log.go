package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apex/log"
)

// logHandler prints entries with the time since start, except debug ones.
type logHandler struct {
	io.Writer
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	var s string
	switch e.Level {
	case log.DebugLevel:
		s = e.Message
	case log.ErrorLevel, log.FatalLevel:
		s = fmt.Sprintf("[%14.6f] <!err> %s", time.Since(startTime).Seconds(), e.Message)
	default:
		s = fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), e.Level, e.Message)
	}
	if names := e.Fields.Names(); len(names) > 0 {
		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, fmt.Sprintf("%s=%v", name, e.Fields.Get(name)))
		}
		s += " (" + strings.Join(pairs, " ") + ")"
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}
