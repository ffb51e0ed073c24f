/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package log provides the injected logging sink consumed by the
// cache subsystem. The core never reaches for a process-global
// logger; every component is constructed with a Logger and logs
// through it (spec.md §9, "replace the process-global debug logger
// with an injected sink").
package log

import (
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-stack/stack"
)

// Pairs is a convenience alias for structured key-value fields.
type Pairs map[string]interface{}

// Logger is the sink the cache subsystem logs through. Implementations
// must never block meaningfully and must never panic.
type Logger interface {
	Debug(msg string, detail Pairs)
	Info(msg string, detail Pairs)
	Warn(msg string, detail Pairs)
	Error(msg string, detail Pairs)
}

// Level enumerates the minimum severity a logger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

// kitLogger is the default Logger implementation, a thin wrapper
// around go-kit's structured logger with level filtering, matching
// the teacher's go-kit-based logging stack.
type kitLogger struct {
	base  kitlog.Logger
	level Level
}

// New returns a Logger that writes logfmt lines to os.Stderr at or
// above minLevel.
func New(minLevel Level) Logger {
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC)
	return &kitLogger{base: base, level: minLevel}
}

// Nop returns a Logger that discards everything; useful in tests and
// as a safe zero-value default.
func Nop() Logger {
	return &kitLogger{base: kitlog.NewNopLogger(), level: LevelError}
}

func (l *kitLogger) log(level Level, msg string, detail Pairs) {
	if level < l.level {
		return
	}
	kv := make([]interface{}, 0, 4+2*len(detail))
	kv = append(kv, "level", level.String(), "msg", msg)
	if level == LevelError {
		// Caller stack capture on error-level entries, grounded on
		// the teacher's dependency on go-stack/stack.
		kv = append(kv, "caller", stack.Caller(2).String())
	}
	for k, v := range detail {
		kv = append(kv, k, v)
	}
	l.base.Log(kv...)
}

func (l *kitLogger) Debug(msg string, detail Pairs) { l.log(LevelDebug, msg, detail) }
func (l *kitLogger) Info(msg string, detail Pairs)  { l.log(LevelInfo, msg, detail) }
func (l *kitLogger) Warn(msg string, detail Pairs)  { l.log(LevelWarn, msg, detail) }
func (l *kitLogger) Error(msg string, detail Pairs) { l.log(LevelError, msg, detail) }
