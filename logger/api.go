// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package and calling function to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/tilecache/utils"
)

type Level int

// Our logging levels, mapped onto logrus levels before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel
	// TraceLevel is used for operational logs that trace the success path (fault-in,
	// eviction, swap traffic). Whether these are logged is controlled on a per-package
	// basis. When enabled, these are logged at logrus.InfoLevel.
	TraceLevel
)

// Flag to disable all logging, for performance testing.
var disableLoggingForPerfTesting = false

// Set when any package has trace logging enabled.
var traceLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"logger":      false,
	"pixelregion": false,
	"swapstore":   false,
	"tilecache":   false,
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceLevelEnabled = false

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

// EnableTrace turns on trace logging for pkg (if it is a known package).
func EnableTrace(pkg string) {
	if _, ok := packageTraceSettings[pkg]; ok {
		packageTraceSettings[pkg] = true
		traceLevelEnabled = true
	}
}

func traceEnabled(pkg string) bool {
	isEnabled, ok := packageTraceSettings[pkg]
	return ok && isEnabled
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// FuncCtx holds the fields common between log calls within a function.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

// newFuncCtx creates a new function logging context, extracting the calling
// function from the call stack.
func newFuncCtx(level int) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[key] = value
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if disableLoggingForPerfTesting {
		return false
	}
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	return true
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Errorf(format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

// log is our equivalent to logrus.entry.go's log function, and is intended to
// be the common low-level logging function used internal to this package.
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	}
}

// AddLogTarget adds another target for log messages to be written to. writer
// is called once for each log message.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer captures the most recent log lines. Useful for writing test cases.
//
type LogBuffer struct {
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Init a LogTarget to hold up to nEntry log entries.
//
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
//
func (target LogTarget) Write(p []byte) (n int, err error) {
	return target.write(p)
}
