// Copyright 2016 Symantec, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package log adapts zerolog to the logger interface Temporal clients and
// workers expect.
package log

import (
	"github.com/rs/zerolog"
)

// Logger satisfies Temporal's log.Logger on top of a zerolog.Logger.
type Logger struct {
	logger zerolog.Logger
}

func NewZerologAdapter(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	l.emit(zerolog.DebugLevel, msg, keyvals)
}

func (l *Logger) Info(msg string, keyvals ...any) {
	l.emit(zerolog.InfoLevel, msg, keyvals)
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	l.emit(zerolog.WarnLevel, msg, keyvals)
}

func (l *Logger) Error(msg string, keyvals ...any) {
	l.emit(zerolog.ErrorLevel, msg, keyvals)
}

// emit maps one Temporal log call onto a zerolog event. Temporal hands
// attributes over as a flat key/value list, which is exactly what
// zerolog's Fields takes.
func (l *Logger) emit(level zerolog.Level, msg string, keyvals []any) {
	event := l.logger.WithLevel(level)

	if len(keyvals) > 0 {
		event = event.Fields(keyvals)
	}

	event.Msg(msg)
}
