package qutag

import (
	"fmt"
	"os"
	"sync"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// FakeDriver is an in-memory Driver. When a binary recording is stopped it
// writes the events returned by Events to the recording path.
type FakeDriver struct {
	mu sync.Mutex

	// Events supplies the timestamps written when a recording stops.
	Events func() []timetag.Event
	// Fail makes the named operation ("expo", "params", "rec", "stop",
	// "deinit") return the given error.
	Fail map[string]error

	params    Params
	recording string
	format    FileFormat
	calls     []string
	deinits   int
}

var _ Driver = (*FakeDriver)(nil)

// NewFakeDriver returns a fake reporting a 1 ps timebase.
func NewFakeDriver(events func() []timetag.Event) *FakeDriver {
	return &FakeDriver{
		Events: events,
		params: Params{Timebase: 1e-12, CoincWindow: 200, ExposureMs: 1000},
	}
}

func (f *FakeDriver) fail(op string) error {
	if err, ok := f.Fail[op]; ok {
		return err
	}
	return nil
}

// Calls returns the commands issued so far.
func (f *FakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Recording reports whether a recording is in progress.
func (f *FakeDriver) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording != ""
}

// DeInitCount reports how many times DeInitialize was called.
func (f *FakeDriver) DeInitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deinits
}

func (f *FakeDriver) SetExposureTime(ms int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("EXPO %d", ms))
	if err := f.fail("expo"); err != nil {
		return err
	}
	f.params.ExposureMs = ms
	return nil
}

func (f *FakeDriver) DeviceParams() (Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "PARAMS?")
	return f.params, f.fail("params")
}

func (f *FakeDriver) WriteTimestamps(path string, format FileFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if format == FormatNone {
		f.calls = append(f.calls, "REC NONE")
		if err := f.fail("stop"); err != nil {
			return err
		}
		return f.flushLocked()
	}
	f.calls = append(f.calls, fmt.Sprintf("REC %s %s", format, path))
	if err := f.fail("rec"); err != nil {
		return err
	}
	f.recording = path
	f.format = format
	return nil
}

func (f *FakeDriver) flushLocked() error {
	path, format := f.recording, f.format
	f.recording = ""
	if path == "" {
		return nil
	}
	var events []timetag.Event
	if f.Events != nil {
		events = f.Events()
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	if format == FormatASCII {
		return correlator.WriteText(out, events)
	}
	return correlator.WriteBinary(out, events)
}

func (f *FakeDriver) DeInitialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DEINIT")
	f.deinits++
	return f.fail("deinit")
}
