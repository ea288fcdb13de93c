// Package testsupport provides helpers shared by regiondb's tests.
package testsupport

import (
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getlantern/golog"
)

type testWriter struct {
	t     testing.TB
	start time.Time
	done  bool
	mx    sync.Mutex
}

func (tw *testWriter) Write(b []byte) (int, error) {
	tw.mx.Lock()
	defer tw.mx.Unlock()
	if tw.done {
		// the test may already have finished, t.Log would panic
		return os.Stderr.Write(b)
	}
	tw.t.Logf("(+%dms) %v", time.Since(tw.start).Nanoseconds()/1000000, strings.TrimRight(string(b), "\n"))
	return len(b), nil
}

// RedirectLogsToTest redirects golog log statements to t.Log. Call the returned cancel function
// to start sending logs back to stdout and stderr.
func RedirectLogsToTest(t testing.TB) (cancel func()) {
	tw := &testWriter{t: t, start: time.Now()}
	golog.SetOutputs(tw, tw)
	return func() {
		golog.ResetOutputs()
		tw.mx.Lock()
		tw.done = true
		tw.mx.Unlock()
	}
}

// TempDir creates a temporary directory that is removed by the returned
// function unless the test failed.
func TempDir(t testing.TB, prefix string) (string, func()) {
	dir, err := ioutil.TempDir("", prefix)
	if err != nil {
		t.Fatalf("Unable to create temp dir: %v", err)
	}
	return dir, func() {
		if t.Failed() {
			t.Logf("Temporary files kept at %v", dir)
			return
		}
		os.RemoveAll(dir)
	}
}
