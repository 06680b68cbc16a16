/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package telemetry offers a lightweight Chrome-trace-event-format
// recorder, on by default never, turned on at runtime through
// internal/config.Settings the same way the teacher gates its own
// tracing, plus a TracePrint flag that additionally echoes spans to
// stdout for interactive debugging.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var start = time.Now()

// Trace is the process-wide trace sink; nil means tracing is off. It is
// one of the explicit process-wide singletons spec.md §5 calls out
// (alongside the block cache, sparse-index cache, and dispatcher).
var Trace *Tracefile

// TracePrint additionally echoes every event to stdout as it's recorded.
var TracePrint bool

var mu sync.Mutex

// Tracefile accumulates events as a JSON array compatible with
// chrome://tracing, flushed incrementally so a crash still leaves a
// readable (if unterminated) file.
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
}

// SetTrace enables or disables tracing, closing any prior trace file.
func SetTrace(on bool) {
	mu.Lock()
	defer mu.Unlock()
	if Trace != nil {
		Trace.Close()
		Trace = nil
	}
	if on {
		dir := os.Getenv("CORESTORE_TRACEDIR")
		f, err := os.Create(dir + "trace_" + fmt.Sprint(time.Now().Unix()) + ".json")
		if err != nil {
			panic(err)
		}
		Trace = NewTrace(f)
	}
}

// NewTrace wraps an already-open writer as a trace sink.
func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	return &Tracefile{file: file, isFirst: true}
}

// Close terminates the JSON array and closes the underlying file.
func (t *Tracefile) Close() {
	t.file.Write([]byte("]"))
	t.file.Close()
}

// Duration records a complete (begin/end) span around f.
func (t *Tracefile) Duration(name, cat string, f func()) {
	t.EventHalf(name, cat, "B")
	defer t.EventHalf(name, cat, "E")
	f()
}

// Event records an instantaneous event.
func (t *Tracefile) Event(name, cat, typ string) {
	t.EventHalf(name, cat, typ)
}

func (t *Tracefile) EventHalf(name, cat, typ string) {
	ts := time.Since(start).Microseconds()
	t.m.Lock()
	defer t.m.Unlock()
	if !t.isFirst {
		t.file.Write([]byte(","))
	}
	t.isFirst = false
	raw, _ := json.Marshal(map[string]interface{}{
		"name": name, "cat": cat, "ph": typ, "ts": ts, "pid": 1, "tid": 1,
	})
	t.file.Write(raw)
	if TracePrint {
		fmt.Printf("[trace] %s %s %s @%dus\n", cat, name, typ, ts)
	}
}

// Span records a named duration around f if tracing is currently
// enabled; otherwise it just calls f. It reads Trace under mu, so it
// stays correct across SetTrace toggles mid-flight; the dispatcher wraps
// every task it runs in a Span.
func Span(cat, name string, f func()) {
	mu.Lock()
	t := Trace
	mu.Unlock()
	if t == nil {
		f()
		return
	}
	t.Duration(name, cat, f)
}
