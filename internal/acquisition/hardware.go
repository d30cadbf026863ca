package acquisition

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/qutag"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/timeutil"
)

// MinRawRecording is the shortest raw recording RecordRaw will make.
const MinRawRecording = 100 * time.Millisecond

// HardwareOptions configures a HardwareBackend.
type HardwareOptions struct {
	// DefaultExposure defaults to one second.
	DefaultExposure time.Duration
	// TempDir holds the per-capture files; empty means os.TempDir().
	TempDir string
	// Clock paces the exposure dwell; nil means the real clock.
	Clock timeutil.Clock
}

// HardwareBackend records each capture from a quTAG to a temporary file and
// reads it back through the correlation service.
type HardwareBackend struct {
	driver  qutag.Driver
	svc     correlator.Service
	tempDir string
	clock   timeutil.Clock

	exposure  atomic.Int64
	captureMu sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Backend = (*HardwareBackend)(nil)

// NewHardwareBackend wraps an initialised driver and programs the device
// exposure. The driver is released if that fails.
func NewHardwareBackend(driver qutag.Driver, svc correlator.Service, opts HardwareOptions) (*HardwareBackend, error) {
	if opts.DefaultExposure <= 0 {
		opts.DefaultExposure = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	h := &HardwareBackend{driver: driver, svc: svc, tempDir: opts.TempDir, clock: opts.Clock}
	if err := h.SetExposure(opts.DefaultExposure); err != nil {
		if derr := driver.DeInitialize(); derr != nil {
			monitoring.Logf("[Hardware] failed to deinitialize device: %v", derr)
		}
		return nil, err
	}
	return h, nil
}

// DefaultExposure implements Backend.
func (h *HardwareBackend) DefaultExposure() time.Duration {
	return time.Duration(h.exposure.Load())
}

// SetExposure programs the device and makes d the default exposure.
func (h *HardwareBackend) SetExposure(d time.Duration) error {
	ms := max(1, int(d/time.Millisecond))
	if err := h.driver.SetExposureTime(ms); err != nil {
		return &AcquisitionError{Op: "set exposure", Err: err}
	}
	h.exposure.Store(int64(d))
	return nil
}

// DeviceParams reads the device settings.
func (h *HardwareBackend) DeviceParams() (qutag.Params, error) {
	p, err := h.driver.DeviceParams()
	if err != nil {
		return qutag.Params{}, &AcquisitionError{Op: "read device params", Err: err}
	}
	return p, nil
}

// Capture implements Backend.
func (h *HardwareBackend) Capture(ctx context.Context, exposure time.Duration) (*timetag.Batch, error) {
	exposure = exposureOrDefault(h, exposure)

	h.captureMu.Lock()
	defer h.captureMu.Unlock()
	if h.closed.Load() {
		return nil, ErrClosed
	}

	f, err := os.CreateTemp(h.tempDir, "qutag-*.bin")
	if err != nil {
		return nil, &AcquisitionError{Op: "create capture file", Err: err}
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	started := h.clock.Now()
	if err := h.driver.WriteTimestamps(path, qutag.FormatBinary); err != nil {
		h.stopRecording()
		return nil, &AcquisitionError{Op: "start recording", Err: err}
	}
	dwellErr := timeutil.SleepContext(ctx, h.clock, exposure)
	if err := h.driver.WriteTimestamps("", qutag.FormatNone); err != nil {
		return nil, &AcquisitionError{Op: "stop recording", Err: err}
	}
	if dwellErr != nil {
		return nil, dwellErr
	}

	batch, err := h.svc.ReadFile(path, exposure.Seconds())
	if err != nil {
		return nil, &AcquisitionError{Op: "read capture", Err: err}
	}
	return batch.WithMetadata(map[string]any{
		timetag.MetaOrigin:      "qutag",
		timetag.MetaExposureSec: exposure.Seconds(),
		timetag.MetaCapturedAt:  started.UTC().Format(time.RFC3339Nano),
	}), nil
}

// RecordRaw writes the raw device stream to path for at least
// MinRawRecording.
func (h *HardwareBackend) RecordRaw(ctx context.Context, path string, d time.Duration, format qutag.FileFormat) error {
	if format == qutag.FormatNone {
		return fmt.Errorf("raw recording needs a file format")
	}
	d = max(d, MinRawRecording)

	h.captureMu.Lock()
	defer h.captureMu.Unlock()
	if h.closed.Load() {
		return ErrClosed
	}

	if err := h.driver.WriteTimestamps(path, format); err != nil {
		h.stopRecording()
		return &AcquisitionError{Op: "start raw recording", Err: err}
	}
	dwellErr := timeutil.SleepContext(ctx, h.clock, d)
	if err := h.driver.WriteTimestamps("", qutag.FormatNone); err != nil {
		return &AcquisitionError{Op: "stop raw recording", Err: err}
	}
	return dwellErr
}

func (h *HardwareBackend) stopRecording() {
	if err := h.driver.WriteTimestamps("", qutag.FormatNone); err != nil {
		monitoring.Logf("[Hardware] failed to stop recording: %v", err)
	}
}

// Close implements Backend. It waits for an in-flight capture, stops any
// recording and releases the device once.
func (h *HardwareBackend) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.captureMu.Lock()
		defer h.captureMu.Unlock()
		h.stopRecording()
		if err := h.driver.DeInitialize(); err != nil {
			h.closeErr = fmt.Errorf("failed to deinitialize device: %w", err)
		}
	})
	return h.closeErr
}
