// Package qutag talks to a quTAG time-to-digital converter through a small
// line protocol spoken by the control bridge attached to the device.
package qutag

import (
	"fmt"
	"strings"
)

// FileFormat selects the on-disk layout for WriteTimestamps.
type FileFormat int

const (
	// FormatNone stops an active recording.
	FormatNone FileFormat = iota
	FormatBinary
	FormatASCII
)

func (f FileFormat) String() string {
	switch f {
	case FormatNone:
		return "NONE"
	case FormatBinary:
		return "BINARY"
	case FormatASCII:
		return "ASCII"
	default:
		return fmt.Sprintf("FileFormat(%d)", int(f))
	}
}

// ParseFileFormat accepts the names produced by String, case-insensitively.
func ParseFileFormat(s string) (FileFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "":
		return FormatNone, nil
	case "BINARY", "BIN":
		return FormatBinary, nil
	case "ASCII", "CSV", "TXT":
		return FormatASCII, nil
	}
	return FormatNone, fmt.Errorf("unknown file format %q", s)
}

// Params are the device settings reported by DeviceParams.
type Params struct {
	// Timebase is the timestamp resolution in seconds.
	Timebase float64 `json:"timebase"`
	// CoincWindow is the device coincidence window in timebase units.
	CoincWindow int `json:"coinc_window"`
	// ExposureMs is the device exposure time.
	ExposureMs int `json:"exposure_ms"`
}

// Driver is the subset of the vendor driver used by the acquisition layer.
type Driver interface {
	// SetExposureTime sets the exposure time in milliseconds.
	SetExposureTime(ms int) error
	// DeviceParams reads the current device settings.
	DeviceParams() (Params, error)
	// WriteTimestamps starts recording to path, or stops recording when
	// format is FormatNone.
	WriteTimestamps(path string, format FileFormat) error
	// DeInitialize releases the device.
	DeInitialize() error
}

// DeviceError is a command the bridge answered with ERR.
type DeviceError struct {
	Command string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %q: %s", e.Command, e.Message)
}
