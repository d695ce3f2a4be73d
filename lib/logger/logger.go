// Copyright (C) 2014 Jakob Borg. All rights reserved. Use of this source code
// is governed by an MIT-style license that can be found in the LICENSE file.

// Package logger implements a level- and facility-gated logger on top of
// the standard library's log package, with pluggable message handlers
// and a debug-trace selector controlled by the STTRACE environment
// variable (facility[:level][,facility[:level]...] or "all[:level]").
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel identifies the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelVerbose
	LevelInfo
	LevelWarn
	LevelError
	NumLevels
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelVerbose:
		return "verbose"
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

// MessageHandler receives every message logged at or above the level it
// was registered for.
type MessageHandler func(l LogLevel, msg string)

// Logger is the interface implemented by both the root logger and
// facility-scoped loggers returned by NewFacility.
type Logger interface {
	AddHandler(level LogLevel, h MessageHandler)
	SetFlags(flag int)
	SetPrefix(prefix string)
	Debugf(format string, vals ...interface{})
	Debugln(vals ...interface{})
	Verbosef(format string, vals ...interface{})
	Verboseln(vals ...interface{})
	Infof(format string, vals ...interface{})
	Infoln(vals ...interface{})
	Warnf(format string, vals ...interface{})
	Warnln(vals ...interface{})
	NewFacility(facility, description string) Logger
	SetDebug(facility string, enabled bool)
}

// logger is the root, facility-less implementation. Debug and Verbose
// calls made directly on it (not through NewFacility) are never gated.
type logger struct {
	logger   *log.Logger
	handlers [NumLevels][]MessageHandler
	mut      sync.Mutex
	debugSet map[string]bool
}

// New returns a Logger writing to stdout (or discarding entirely if
// LOGGER_DISCARD is set in the environment, for quiet test runs).
func New() Logger {
	if os.Getenv("LOGGER_DISCARD") != "" {
		return newLogger(io.Discard)
	}
	return newLogger(controlStripper{os.Stdout})
}

func newLogger(w io.Writer) *logger {
	return &logger{
		logger:   log.New(w, "", log.Ltime),
		debugSet: make(map[string]bool),
	}
}

func (l *logger) AddHandler(level LogLevel, h MessageHandler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers[level] = append(l.handlers[level], h)
}

func (l *logger) SetFlags(flag int) { l.logger.SetFlags(flag) }

func (l *logger) SetPrefix(prefix string) { l.logger.SetPrefix(prefix) }

func (l *logger) callHandlers(level LogLevel, s string) {
	l.mut.Lock()
	var hs []MessageHandler
	for ll := LevelDebug; ll <= level; ll++ {
		hs = append(hs, l.handlers[ll]...)
	}
	l.mut.Unlock()
	for _, h := range hs {
		h(level, strings.TrimSpace(s))
	}
}

func (l *logger) Debugf(format string, vals ...interface{}) {
	s := fmt.Sprintf(format, vals...)
	l.logger.Output(2, "DEBUG: "+s)
	l.callHandlers(LevelDebug, s)
}

func (l *logger) Debugln(vals ...interface{}) {
	s := fmt.Sprintln(vals...)
	l.logger.Output(2, "DEBUG: "+s)
	l.callHandlers(LevelDebug, s)
}

func (l *logger) Verbosef(format string, vals ...interface{}) {
	s := fmt.Sprintf(format, vals...)
	l.logger.Output(2, "VERBOSE: "+s)
	l.callHandlers(LevelVerbose, s)
}

func (l *logger) Verboseln(vals ...interface{}) {
	s := fmt.Sprintln(vals...)
	l.logger.Output(2, "VERBOSE: "+s)
	l.callHandlers(LevelVerbose, s)
}

func (l *logger) Infof(format string, vals ...interface{}) {
	s := fmt.Sprintf(format, vals...)
	l.logger.Output(2, "INFO: "+s)
	l.callHandlers(LevelInfo, s)
}

func (l *logger) Infoln(vals ...interface{}) {
	s := fmt.Sprintln(vals...)
	l.logger.Output(2, "INFO: "+s)
	l.callHandlers(LevelInfo, s)
}

func (l *logger) Warnf(format string, vals ...interface{}) {
	s := fmt.Sprintf(format, vals...)
	l.logger.Output(2, "WARNING: "+s)
	l.callHandlers(LevelWarn, s)
}

func (l *logger) Warnln(vals ...interface{}) {
	s := fmt.Sprintln(vals...)
	l.logger.Output(2, "WARNING: "+s)
	l.callHandlers(LevelWarn, s)
}

// SetDebug explicitly enables or disables debug/verbose tracing for a
// facility, overriding whatever STTRACE says for that name.
func (l *logger) SetDebug(facility string, enabled bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.debugSet[facility] = enabled
}

func (l *logger) explicitDebug(facility string) (bool, bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	v, ok := l.debugSet[facility]
	return v, ok
}

func (l *logger) NewFacility(facility, description string) Logger {
	return &facilityLogger{root: l, facility: facility, description: description}
}

// facilityLogger scopes Debug/Verbose emission to whatever STTRACE (or
// an explicit SetDebug override) permits for its facility name. Info
// and Warn always pass through unconditionally, matching the root
// logger's unconditional behavior.
type facilityLogger struct {
	root        *logger
	facility    string
	description string
}

func (l *facilityLogger) AddHandler(level LogLevel, h MessageHandler) { l.root.AddHandler(level, h) }
func (l *facilityLogger) SetFlags(flag int)                          { l.root.SetFlags(flag) }
func (l *facilityLogger) SetPrefix(prefix string)                    { l.root.SetPrefix(prefix) }
func (l *facilityLogger) NewFacility(facility, description string) Logger {
	return l.root.NewFacility(facility, description)
}
func (l *facilityLogger) SetDebug(facility string, enabled bool) { l.root.SetDebug(facility, enabled) }

func (l *facilityLogger) enabled(level LogLevel) bool {
	if v, ok := l.root.explicitDebug(l.facility); ok {
		if v {
			return true
		}
		return level >= LevelInfo
	}
	lvl, ok := configuredLevel(l.facility)
	if !ok {
		return false
	}
	return level >= lvl
}

func (l *facilityLogger) Debugf(format string, vals ...interface{}) {
	if !l.enabled(LevelDebug) {
		return
	}
	l.root.Debugf("%s: %s", l.facility, fmt.Sprintf(format, vals...))
}

func (l *facilityLogger) Debugln(vals ...interface{}) {
	if !l.enabled(LevelDebug) {
		return
	}
	l.root.Debugln(append([]interface{}{l.facility + ":"}, vals...)...)
}

func (l *facilityLogger) Verbosef(format string, vals ...interface{}) {
	if !l.enabled(LevelVerbose) {
		return
	}
	l.root.Verbosef("%s: %s", l.facility, fmt.Sprintf(format, vals...))
}

func (l *facilityLogger) Verboseln(vals ...interface{}) {
	if !l.enabled(LevelVerbose) {
		return
	}
	l.root.Verboseln(append([]interface{}{l.facility + ":"}, vals...)...)
}

func (l *facilityLogger) Infof(format string, vals ...interface{}) { l.root.Infof(format, vals...) }
func (l *facilityLogger) Infoln(vals ...interface{})               { l.root.Infoln(vals...) }
func (l *facilityLogger) Warnf(format string, vals ...interface{}) { l.root.Warnf(format, vals...) }
func (l *facilityLogger) Warnln(vals ...interface{})               { l.root.Warnln(vals...) }

// IsEnabledFor reports whether, per the current STTRACE configuration
// (ignoring this receiver's own bound facility), messages at level for
// the named facility would be traced.
func (l *facilityLogger) IsEnabledFor(facility string, level LogLevel) bool {
	lvl, ok := configuredLevel(facility)
	if !ok {
		return false
	}
	return level >= lvl
}

// EffectiveLevel reports the configured trace gate for the named
// facility, or LevelError if nothing in STTRACE applies to it.
func (l *facilityLogger) EffectiveLevel(facility string) LogLevel {
	if lvl, ok := configuredLevel(facility); ok {
		return lvl
	}
	return LevelError
}

// configuredLevel parses STTRACE and returns the gate level that
// applies to facility, either from an explicit entry or from "all".
func configuredLevel(facility string) (LogLevel, bool) {
	sttrace := os.Getenv("STTRACE")
	if sttrace == "" {
		return 0, false
	}

	tokens := strings.FieldsFunc(sttrace, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})

	var allLevel LogLevel
	haveAll := false
	for _, tok := range tokens {
		name, lvl := splitFacilityToken(tok)
		if name == facility {
			return lvl, true
		}
		if name == "all" {
			allLevel = lvl
			haveAll = true
		}
	}
	if haveAll {
		return allLevel, true
	}
	return 0, false
}

func splitFacilityToken(tok string) (string, LogLevel) {
	if idx := strings.IndexByte(tok, ':'); idx >= 0 {
		name := tok[:idx]
		switch strings.ToLower(tok[idx+1:]) {
		case "debug":
			return name, LevelDebug
		case "verbose":
			return name, LevelVerbose
		case "info":
			return name, LevelInfo
		case "warn", "warning":
			return name, LevelWarn
		case "error":
			return name, LevelError
		default:
			return name, LevelDebug
		}
	}
	return tok, LevelDebug
}

// DefaultLogger is the process-wide logger instance most packages log
// through, in the style of the teacher's package-level "l" variable.
var DefaultLogger = New()
