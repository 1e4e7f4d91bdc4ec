package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"sort"
	"sync"
	"time"
)

var (
	crashMu       sync.Mutex
	crashDir      = defaultLogsDir
	crashSections = map[string]func() string{}
)

// SetCrashDir sets where crash reports are written
func SetCrashDir(dir string) {
	crashMu.Lock()
	defer crashMu.Unlock()
	crashDir = dir
}

// RegisterCrashSection adds a named section to future crash reports. fn
// runs while the process is dying, so it must not block on locks a
// panicking goroutine may hold.
func RegisterCrashSection(name string, fn func() string) {
	crashMu.Lock()
	defer crashMu.Unlock()
	crashSections[name] = fn
}

// WriteCrashFile writes a crash report for panicVal and returns its path,
// or "" when the report could only go to stderr
func WriteCrashFile(panicVal interface{}, stack []byte) string {
	crashMu.Lock()
	dir := crashDir
	names := make([]string, 0, len(crashSections))
	for name := range crashSections {
		names = append(names, name)
	}
	sort.Strings(names)
	sections := make([]func() string, len(names))
	for i, name := range names {
		sections[i] = crashSections[name]
	}
	crashMu.Unlock()

	now := time.Now()
	var report bytes.Buffer
	fmt.Fprintf(&report, "brainrot %s crashed at %s\n", GetFullVersion(), now.Format(time.RFC3339))
	fmt.Fprintf(&report, "goroutines=%d os=%s/%s\n\n", runtime.NumGoroutine(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&report, "panic: %v\n\n%s\n", panicVal, stack)

	for i, name := range names {
		fmt.Fprintf(&report, "--- %s ---\n%s\n\n", name, crashSection(sections[i]))
	}

	report.WriteString("--- goroutines ---\n")
	if p := pprof.Lookup("goroutine"); p != nil {
		_ = p.WriteTo(&report, 2)
	}

	path := filepath.Join(dir, "crash-"+now.Format("20060102-150405")+".log")
	if err := os.MkdirAll(dir, 0755); err == nil {
		err = os.WriteFile(path, report.Bytes(), 0644)
		if err == nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v (report: %s)\n", panicVal, path)
			return path
		}
	}

	os.Stderr.Write(report.Bytes())
	return ""
}

// crashSection runs fn, tolerating a second panic
func crashSection(fn func() string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("unavailable: %v", r)
		}
	}()
	return fn()
}

// RecoverWithCrashFile writes a crash report and exits on panic.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		WriteCrashFile(r, debug.Stack())
		os.Exit(1)
	}
}
