// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/tilecache/conf"
)

var logFile *os.File = nil

// multiWriter fans each log line out to every registered writer.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

var logTargets multiWriter

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) clear() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		// regardless of errors, keep going
	}

	return len(p), nil
}

// Up configures logging from the Logging section of confMap.
//
// Logging.LogFilePath  - append log lines to this file (optional)
// Logging.LogToConsole - also write to stderr (default false when a file is given)
// Logging.TraceLevelLogging - list of packages to enable trace logs for, or "none"
//
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logTargets.clear()

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		logTargets.addWriter(logFile)
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = (logFilePath == "")
	}
	if logToConsole {
		logTargets.addWriter(os.Stderr)
	}

	log.SetOutput(&logTargets)

	// NOTE: We always enable max logging in logrus and decide in this package
	//       whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	return nil
}

// Down closes the log file (if any) and returns logging to stderr.
func Down() (err error) {
	log.SetOutput(os.Stderr)
	logTargets.clear()

	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}

	setTraceLoggingLevel(nil)

	return
}

func addLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
}

func (target LogTarget) write(p []byte) (n int, err error) {
	target.LogBuf.TotalEntries++

	entries := target.LogBuf.LogEntries
	for i := len(entries) - 1; i > 0; i-- {
		entries[i] = entries[i-1]
	}
	if len(entries) > 0 {
		entries[0] = strings.TrimRight(string(p), " \t\n")
	}

	return len(p), nil
}
