// Package nlog is the bus logger: severity-leveled, with a caller
// file:line prefix, writing each record straight to one io.Writer
// (stdout unless SetOutput replaces it; no buffering or file rotation of
// its own). Adapted from
// the teacher's own nlog package (same exported shape: Infoln / Warningln /
// Errorln / Flush) but with the double-buffer bookkeeping collapsed into a
// single mutex-guarded writer -- this runtime has nowhere near aistore's
// per-node log volume, so the extra buffer-swap machinery isn't worth its
// complexity here.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = "IWE"

type logger struct {
	mu   sync.Mutex
	out  io.Writer
	errw io.Writer // mirrors Warn/Err to a second sink (e.g. stderr) when set
	last time.Time
}

var std = &logger{out: os.Stdout}

// SetOutput redirects all log severities to w (e.g. a rotating file opened
// by the control-node layer); by default the logger writes to stdout.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	std.out = w
	std.mu.Unlock()
}

// SetErrOutput additionally mirrors Warn/Err records to w (typically
// os.Stderr), matching the teacher's alsoToStderr behavior.
func SetErrOutput(w io.Writer) {
	std.mu.Lock()
	std.errw = w
	std.mu.Unlock()
}

func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }

func Flush() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if f, ok := std.out.(interface{ Sync() error }); ok {
		f.Sync()
	}
}

func log(sev severity, depth int, format string, args ...any) {
	line := formatLine(sev, depth+1, format, args...)

	std.mu.Lock()
	defer std.mu.Unlock()
	std.last = time.Now()
	io.WriteString(std.out, line)
	if sev >= sevWarn && std.errw != nil {
		io.WriteString(std.errw, line)
	}
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		fn = filepath.Base(fn)
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
