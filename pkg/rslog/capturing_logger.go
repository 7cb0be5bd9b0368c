package rslog

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CapturingLogger remembers every message it logs. Tests use it to assert
// on warnings raised from worker goroutines, e.g. an abandoned teardown.
type CapturingLogger struct {
	Logger
	hook *captureMessageHook
}

type CapturingLoggerOptions struct {
	Level        LogLevel
	WithMetadata bool
}

func NewCapturingLogger(options CapturingLoggerOptions) CapturingLogger {
	l, _ := NewLoggerImpl(LoggerOptionsImpl{
		Level:  options.Level,
		Format: TextFormat,
	}, discardOutputBuilder{})

	h := &captureMessageHook{metadata: options.WithMetadata}
	l.Logger.AddHook(h)

	return CapturingLogger{
		Logger: l,
		hook:   h,
	}
}

func (l CapturingLogger) Messages() []string {
	return l.hook.Messages()
}

func (l CapturingLogger) Clear() {
	l.hook.Clear()
}

type captureMessageHook struct {
	messages []string
	metadata bool
	mu       sync.RWMutex
}

func (h *captureMessageHook) Messages() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]string, len(h.messages))
	copy(result, h.messages)
	return result
}

func (h *captureMessageHook) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = make([]string, 0)
}

func (h *captureMessageHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.metadata {
		msg, err := e.String()
		if err != nil {
			return err
		}
		h.messages = append(h.messages, msg)
	} else {
		h.messages = append(h.messages, e.Message)
	}

	return nil
}

func (h *captureMessageHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
