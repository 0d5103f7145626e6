// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"container/list"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// By convention, a format starting with "[v1] " is verbose and
// may be dropped by the sink, and "[unexpected] " marks input from
// the bus that should never happen.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

// StdLogger returns a standard library logger from a Logf.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// limitData tracks the rate limiting state of one format string.
type limitData struct {
	lim        *rate.Limiter
	msgBlocked bool          // whether the "rate limited" notice was already logged
	ele        *list.Element // position in the LRU
}

// RateLimitedFn returns a rate-limiting Logf wrapping the given logf.
// Messages sharing a format string are allowed through at most once
// every f, in bursts of up to burst messages. Up to maxCache format
// strings are tracked at a time.
//
// The first suppressed message of a burst is replaced by a notice naming
// the format; the rest are dropped until the limiter refills.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	r := rate.Every(f)
	var (
		mu       sync.Mutex
		msgLim   = make(map[string]*limitData) // keyed by format
		msgCache = list.New()                  // LRU bounding msgLim
	)

	type verdict int
	const (
		allow verdict = iota
		warn
		block
	)

	judge := func(format string) verdict {
		mu.Lock()
		defer mu.Unlock()
		rl, ok := msgLim[format]
		if ok {
			msgCache.MoveToFront(rl.ele)
		} else {
			rl = &limitData{
				lim: rate.NewLimiter(r, burst),
				ele: msgCache.PushFront(format),
			}
			msgLim[format] = rl
			if msgCache.Len() > maxCache {
				delete(msgLim, msgCache.Back().Value.(string))
				msgCache.Remove(msgCache.Back())
			}
		}
		if rl.lim.Allow() {
			rl.msgBlocked = false
			return allow
		}
		if !rl.msgBlocked {
			rl.msgBlocked = true
			return warn
		}
		return block
	}

	return func(format string, args ...any) {
		switch judge(format) {
		case allow:
			logf(format, args...)
		case warn:
			logf("[RATE LIMITED] format string %q (example: %q)", format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

// Verbose reports whether format is a verbose ("[v1] ") log line.
func Verbose(format string) bool {
	return strings.HasPrefix(format, "[v1] ")
}

// WithoutVerbose wraps logf, dropping verbose log lines unless
// verbose returns true at the time of the call.
func WithoutVerbose(logf Logf, verbose func() bool) Logf {
	return func(format string, args ...any) {
		if Verbose(format) && !verbose() {
			return
		}
		logf(format, args...)
	}
}
