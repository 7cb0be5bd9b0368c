package rslog

// Copyright (C) 2025 by Posit Software, PBC.

// NewDiscardingLogger returns a logger that drops all messages. Useful for
// tests.
func NewDiscardingLogger() Logger {
	l, _ := NewLoggerImpl(LoggerOptionsImpl{
		Output: []OutputDest{{Output: LogOutputDefault}},
		Level:  ErrorLevel,
	}, discardOutputBuilder{})
	return l
}
