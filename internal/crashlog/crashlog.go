// Package crashlog provides panic-safe goroutine supervision and crash
// diagnostics. The proxy's long-running background goroutines (the proxy
// listener, per-connection handlers, producers, the admin server) are
// started through Go so that a panic is caught, a full stack dump is
// written to the crash log, and the process keeps serving the other
// goroutines instead of going down with it. The dashboard runs on the main
// goroutine, whose panics main reports through Write before exiting.
package crashlog

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Path is the file a crash report is appended to. Overridable for tests and
// via the --crash-log flag.
var Path = "/tmp/proxycache-crash.log"

var writeMu sync.Mutex

// Write appends a crash report for a panic recovered in the named goroutine.
// Safe to call concurrently; writes are serialized so reports from different
// goroutines crashing at the same time don't interleave.
func Write(r interface{}, goroutineName string) {
	if r == nil {
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	f, err := os.OpenFile(Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open crash log: %v\n", err)
		f = os.Stderr
	}
	defer f.Close()

	fmt.Fprintf(f, "\n\n")
	fmt.Fprintf(f, "===============================================================\n")
	fmt.Fprintf(f, "CRASH REPORT - %s\n", time.Now().Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(f, "===============================================================\n\n")

	if goroutineName != "" {
		fmt.Fprintf(f, "Goroutine: %s\n\n", goroutineName)
	} else {
		fmt.Fprintf(f, "Goroutine: main\n\n")
	}

	fmt.Fprintf(f, "Error: %v\n\n", r)

	fmt.Fprintf(f, "Crashing Goroutine Stack Trace:\n")
	fmt.Fprintf(f, "---------------------------------------------------------------\n")
	f.Write(debug.Stack())
	fmt.Fprintf(f, "\n")

	fmt.Fprintf(f, "All Goroutines Stack Dump:\n")
	fmt.Fprintf(f, "---------------------------------------------------------------\n")
	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	f.Write(buf[:stackLen])
	fmt.Fprintf(f, "\n")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fmt.Fprintf(f, "System Information:\n")
	fmt.Fprintf(f, "---------------------------------------------------------------\n")
	fmt.Fprintf(f, "Goroutines:        %d\n", runtime.NumGoroutine())
	fmt.Fprintf(f, "Memory Allocated:  %d MB\n", m.Alloc/1024/1024)
	fmt.Fprintf(f, "Memory Sys:        %d MB\n", m.Sys/1024/1024)
	fmt.Fprintf(f, "GC Runs:           %d\n", m.NumGC)
	fmt.Fprintf(f, "Open File Descriptors: %d\n", countOpenFDs())
	fmt.Fprintf(f, "\n")
	fmt.Fprintf(f, "===============================================================\n\n")

	if f != os.Stderr {
		fmt.Fprintf(os.Stderr, "panic in %s: %v (see %s)\n", goroutineName, r, Path)
	}
}

// Go launches fn in a new goroutine, recovering any panic and routing it
// through Write instead of letting it take down the process. name identifies
// the goroutine in the crash report.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Write(r, name)
			}
		}()
		fn()
	}()
}

// countOpenFDs returns the number of open file descriptors. Linux only;
// returns 0 elsewhere. Every accepted client connection and every producer's
// origin socket holds one, so this is the first thing to check when a
// long-running proxy process starts refusing connections.
func countOpenFDs() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return len(entries)
}
