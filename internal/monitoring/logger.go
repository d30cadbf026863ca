// Package monitoring routes diagnostic log lines. Library packages log
// through Logf so that tests can silence them and the terminal dashboard can
// move them off the screen.
package monitoring

import (
	"io"
	"log"
	"sync"
)

var mu sync.RWMutex

var logf = log.Printf

// Logf writes a diagnostic line. It defaults to log.Printf.
func Logf(format string, v ...any) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = func(string, ...any) {}
	}
	mu.Lock()
	logf = f
	mu.Unlock()
}

// RedirectTo sends both the standard logger and Logf to w and returns a
// function restoring the previous destinations.
func RedirectTo(w io.Writer) (restore func()) {
	prevOut := log.Writer()
	mu.Lock()
	prevLogf := logf
	logf = log.New(w, log.Prefix(), log.Flags()).Printf
	mu.Unlock()
	log.SetOutput(w)
	return func() {
		log.SetOutput(prevOut)
		mu.Lock()
		logf = prevLogf
		mu.Unlock()
	}
}
