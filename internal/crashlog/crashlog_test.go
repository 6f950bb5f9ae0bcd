package crashlog

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func tempCrashLogPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "proxycache-crash-*.log")
	if err != nil {
		t.Fatalf("create temp crash log: %v", err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func TestGoRecoversPanicAndWritesReport(t *testing.T) {
	old := Path
	Path = tempCrashLogPath(t)
	defer func() { Path = old }()

	var wg sync.WaitGroup
	wg.Add(1)
	Go("test-panic-goroutine", func() {
		defer wg.Done()
		panic("intentional test panic")
	})
	wg.Wait()

	time.Sleep(100 * time.Millisecond)

	content, err := os.ReadFile(Path)
	if err != nil {
		t.Fatalf("crash log was not created: %v", err)
	}
	logContent := string(content)

	for _, expected := range []string{
		"CRASH REPORT",
		"test-panic-goroutine",
		"intentional test panic",
		"System Information",
		"Goroutines:",
		"Open File Descriptors:",
	} {
		if !strings.Contains(logContent, expected) {
			t.Errorf("crash log missing expected content: %q", expected)
		}
	}
}

func TestGoContinuesAfterPanic(t *testing.T) {
	old := Path
	Path = tempCrashLogPath(t)
	defer func() { Path = old }()

	var wg sync.WaitGroup
	wg.Add(1)
	Go("test-continue", func() {
		defer wg.Done()
		panic("test panic")
	})
	wg.Wait()
}

func TestGoMultiplePanicsIndependent(t *testing.T) {
	old := Path
	Path = tempCrashLogPath(t)
	defer func() { Path = old }()

	const numGoroutines = 10
	var wg sync.WaitGroup
	completed := make([]bool, numGoroutines)
	var mu sync.Mutex

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		idx := i
		Go("test-multi-panic", func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				completed[idx] = true
				mu.Unlock()
			}()
			if idx%2 == 0 {
				panic("test panic")
			}
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, done := range completed {
		if !done {
			t.Errorf("goroutine %d did not complete", i)
		}
	}
}

func TestGoNoPanicPath(t *testing.T) {
	var mu sync.Mutex
	executed := false

	var wg sync.WaitGroup
	wg.Add(1)
	Go("test-no-panic", func() {
		defer wg.Done()
		mu.Lock()
		executed = true
		mu.Unlock()
	})
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !executed {
		t.Error("Go did not execute the function")
	}
}
